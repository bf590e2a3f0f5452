package recipient

import (
	"context"
	"fmt"
	"sort"

	"github.com/pulseitsm/notify/pkg/notify"
)

// Resolver は宛先指定を具体的なユーザーID集合へ展開する。
type Resolver struct {
	// dir はユーザーディレクトリへの照会先。
	dir Directory
}

// NewResolver は宛先リゾルバを生成する。
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve はペイロードの宛先指定（明示的なIDリストとセレクタの両方）を
// 展開し、重複排除済みのアクティブユーザーID集合を返す。
// 結果は決定的になるようソート済み。
//
// 明示的IDもセレクタも指定されていない場合は空集合を返す（エラーではない。
// 「誰にも通知しない」という正当なリクエストであり、短絡処理は呼び出し側が行う）。
// ディレクトリに到達できない場合は ErrRecipientResolutionFailed を返す。
func (r *Resolver) Resolve(ctx context.Context, p notify.Payload) ([]string, error) {
	seen := make(map[string]bool)

	if len(p.RecipientUsers) > 0 {
		active, err := r.dir.FilterActive(ctx, p.RecipientUsers)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", notify.ErrRecipientResolutionFailed, err)
		}
		for _, id := range active {
			seen[id] = true
		}
	}

	for _, sel := range p.Selectors {
		if err := sel.Validate(); err != nil {
			return nil, err
		}
		ids, err := r.dir.ListBySelector(ctx, sel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", notify.ErrRecipientResolutionFailed, err)
		}
		for _, id := range ids {
			seen[id] = true
		}
	}

	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}
