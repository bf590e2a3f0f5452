package recipient

import (
	"context"
	"fmt"

	"github.com/pulseitsm/notify/pkg/httpclient"
	"github.com/pulseitsm/notify/pkg/notify"
)

// Directory はユーザーディレクトリ（IDプロバイダ）への照会を抽象化する。
// 本エンジン外のコラボレータであり、本番実装はHTTP経由で
// IDサービスへ問い合わせる。テストではインメモリ実装を差し替える。
type Directory interface {
	// ListBySelector はセレクタに一致するアクティブユーザーのIDを返す。
	ListBySelector(ctx context.Context, sel notify.Selector) ([]string, error)
	// FilterActive は指定IDのうちアクティブなユーザーのIDのみを返す。
	FilterActive(ctx context.Context, userIDs []string) ([]string, error)
}

// HTTPDirectory はIDサービスへHTTPで照会するDirectory実装。
type HTTPDirectory struct {
	// client はIDサービスへの通信クライアント。
	client *httpclient.Client
}

// 静的検査: HTTPDirectoryはDirectoryを実装する。
var _ Directory = (*HTTPDirectory)(nil)

// NewHTTPDirectory はIDサービスのベースURLからディレクトリクライアントを生成する。
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{client: httpclient.New(baseURL)}
}

// userIDsResponse はIDサービスのユーザーID一覧レスポンスのJSON構造。
type userIDsResponse struct {
	// UserIDs はユーザーIDのリスト。
	UserIDs []string `json:"user_ids"`
}

// selectorRequest はセレクタ検索リクエストのJSON構造。
type selectorRequest struct {
	// Kind はセレクタの種別。
	Kind string `json:"kind"`
	// Arg は種別に応じた引数。
	Arg string `json:"arg,omitempty"`
}

// ListBySelector はセレクタに一致するアクティブユーザーのIDを返す。
func (d *HTTPDirectory) ListBySelector(ctx context.Context, sel notify.Selector) ([]string, error) {
	var resp userIDsResponse
	req := selectorRequest{Kind: string(sel.Kind), Arg: sel.Arg}
	if err := d.client.PostJSON(ctx, "/api/v1/users/search", req, &resp); err != nil {
		return nil, fmt.Errorf("セレクタ検索に失敗: %w", err)
	}
	return resp.UserIDs, nil
}

// filterRequest はアクティブ判定リクエストのJSON構造。
type filterRequest struct {
	// UserIDs は判定対象のユーザーIDのリスト。
	UserIDs []string `json:"user_ids"`
}

// FilterActive は指定IDのうちアクティブなユーザーのIDのみを返す。
func (d *HTTPDirectory) FilterActive(ctx context.Context, userIDs []string) ([]string, error) {
	var resp userIDsResponse
	if err := d.client.PostJSON(ctx, "/api/v1/users/active", filterRequest{UserIDs: userIDs}, &resp); err != nil {
		return nil, fmt.Errorf("アクティブ判定に失敗: %w", err)
	}
	return resp.UserIDs, nil
}
