package deadletter

import (
	"context"
	"fmt"
	"os"

	"github.com/navikt/klage-notifications-api-sub000/pkg/httpclient"
)

// Lease は定期ジョブをこのレプリカで実行してよいかを判定する。
type Lease interface {
	IsLeader(ctx context.Context) (bool, error)
}

// StaticLease は固定の判定を返す。単一レプリカ構成とテスト用。
type StaticLease bool

// IsLeader は固定値を返す。
func (l StaticLease) IsLeader(context.Context) (bool, error) {
	return bool(l), nil
}

// ElectorLease はリーダー選出サイドカーに問い合わせて判定する。
// サイドカーが返すリーダー名が自身のホスト名と一致すればリーダー。
type ElectorLease struct {
	client   *httpclient.Client
	hostname string
}

// electorResponse はリーダー選出サイドカーのレスポンス。
type electorResponse struct {
	Name string `json:"name"`
}

// NewElectorLease は新しいElectorLeaseを生成する。hostnameが空なら自身のホスト名を使う。
func NewElectorLease(electorURL, hostname string) (*ElectorLease, error) {
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("ホスト名の取得に失敗: %w", err)
		}
		hostname = h
	}
	return &ElectorLease{client: httpclient.New(electorURL), hostname: hostname}, nil
}

// IsLeader はサイドカーに現在のリーダーを問い合わせる。
func (l *ElectorLease) IsLeader(ctx context.Context) (bool, error) {
	var resp electorResponse
	if err := l.client.GetJSON(ctx, "", &resp); err != nil {
		return false, fmt.Errorf("リーダーの問い合わせに失敗: %w", err)
	}
	return resp.Name == l.hostname, nil
}
