// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知エンジンが他のサービスのAPIを呼び出す際に使用する。
// IDサービスへの宛先検索クエリなど、サービス間の通信パターンを統一する。
package httpclient
