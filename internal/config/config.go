// Package config は通知サービスの設定を読み込む。
//
// 設定はデフォルト値、YAMLファイル（任意）、環境変数の順に上書きされる。
// 環境変数名はキーの "." を "_" に置き換えて大文字にしたもの（例: KAFKA_BROKERS）。
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/twmb/franz-go/pkg/kgo"
)

// 内部ブロードキャストの方式。
const (
	// BroadcastKafka はKafkaトピック経由で全レプリカに配信する。
	BroadcastKafka = "kafka"
	// BroadcastLoopback はプロセス内だけで配信する。単一レプリカ構成と開発用。
	BroadcastLoopback = "loopback"
)

// Config は通知サービスの全設定。
type Config struct {
	Port      int             `mapstructure:"port"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Reprocess ReprocessConfig `mapstructure:"reprocess"`
	Leader    LeaderConfig    `mapstructure:"leader"`
}

// DatabaseConfig はSQLiteの設定。
type DatabaseConfig struct {
	// Path はデータベースファイルのパス。":memory:" ならインメモリ。
	Path string `mapstructure:"path"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	// Level は debug / info / warn / error のいずれか。
	Level string `mapstructure:"level"`
	// Format は json / text のいずれか。
	Format string `mapstructure:"format"`
	// File が空でなければ標準エラー出力の代わりにローテートするファイルへ書き込む。
	File string `mapstructure:"file"`
}

// JWTConfig はトークン検証の設定。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// CORSConfig はクロスオリジンリクエストの設定。
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AdminConfig は管理用エンドポイントの設定。
type AdminConfig struct {
	// NavIdents は管理用エンドポイントを呼べる職員。空なら誰も呼べない。
	NavIdents []string `mapstructure:"nav_idents"`
}

// KafkaConfig はブローカー接続の設定。
type KafkaConfig struct {
	Brokers       []string    `mapstructure:"brokers"`
	ClientID      string      `mapstructure:"client_id"`
	ConsumerGroup string      `mapstructure:"consumer_group"`
	TLS           TLSConfig   `mapstructure:"tls"`
	Topics        TopicConfig `mapstructure:"topics"`
}

// TLSConfig はブローカーとのmTLS設定。
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// TopicConfig は使用するトピック名。
type TopicConfig struct {
	// Notifications は上流ドメインからの通知イベントのトピック。
	Notifications string `mapstructure:"notifications"`
	// Created はレプリカ間で新規通知を伝えるトピック。
	Created string `mapstructure:"created"`
	// Changes はレプリカ間で既読・未読・削除を伝えるトピック。
	Changes string `mapstructure:"changes"`
}

// IngestConfig は取り込みの設定。
type IngestConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// BroadcastConfig は内部ブロードキャストの設定。
type BroadcastConfig struct {
	Mode string `mapstructure:"mode"`
	// BufferSize は購読者ごとのバッファ長。満杯になるとイベントを破棄する。
	BufferSize int `mapstructure:"buffer_size"`
}

// StreamConfig はプッシュストリームの設定。
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ReprocessConfig はデッドレター再処理ジョブの設定。
type ReprocessConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LeaderConfig はリーダー判定の設定。
// ElectorURLが空ならStaticの値をそのまま使う。
type LeaderConfig struct {
	ElectorURL string `mapstructure:"elector_url"`
	Static     bool   `mapstructure:"static"`
}

// setDefaults は全キーのデフォルト値を設定する。
// 環境変数による上書きはデフォルト値があるキーにしか効かないため、全キーを列挙する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 7080)
	v.SetDefault("database.path", "/data/notifications.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("admin.nav_idents", []string{})
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "klage-notifications-api")
	v.SetDefault("kafka.consumer_group", "klage-notifications-api")
	v.SetDefault("kafka.tls.enabled", false)
	v.SetDefault("kafka.tls.cert_file", "")
	v.SetDefault("kafka.tls.key_file", "")
	v.SetDefault("kafka.tls.ca_file", "")
	v.SetDefault("kafka.topics.notifications", "klage.notifications.v1")
	v.SetDefault("kafka.topics.created", "klage.internal-notifications-created.v1")
	v.SetDefault("kafka.topics.changes", "klage.internal-notifications-changes.v1")
	v.SetDefault("ingest.enabled", true)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.retry_backoff", time.Second)
	v.SetDefault("broadcast.mode", BroadcastKafka)
	v.SetDefault("broadcast.buffer_size", 64)
	v.SetDefault("stream.heartbeat_interval", 10*time.Second)
	v.SetDefault("reprocess.enabled", true)
	v.SetDefault("reprocess.interval", 5*time.Minute)
	v.SetDefault("leader.elector_url", "")
	v.SetDefault("leader.static", true)
}

// Load は設定を読み込む。pathが空なら設定ファイルは読まない。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// プラットフォームが注入する変数名も受け付ける。
	_ = v.BindEnv("kafka.tls.cert_file", "KAFKA_TLS_CERT_FILE", "KAFKA_CERTIFICATE_PATH")
	_ = v.BindEnv("kafka.tls.key_file", "KAFKA_TLS_KEY_FILE", "KAFKA_PRIVATE_KEY_PATH")
	_ = v.BindEnv("kafka.tls.ca_file", "KAFKA_TLS_CA_FILE", "KAFKA_CA_PATH")
	_ = v.BindEnv("leader.elector_url", "LEADER_ELECTOR_URL", "ELECTOR_GET_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	return &cfg, nil
}

// Validate はサーバー起動に必要な設定が揃っているかを検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d は範囲外です", c.Port))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret が必要です"))
	}
	if c.Ingest.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ingest.max_attempts は1以上が必要です: %d", c.Ingest.MaxAttempts))
	}
	if c.Broadcast.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("broadcast.buffer_size は1以上が必要です: %d", c.Broadcast.BufferSize))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream.heartbeat_interval は正の値が必要です"))
	}
	if c.Reprocess.Enabled && c.Reprocess.Interval <= 0 {
		errs = append(errs, errors.New("reprocess.interval は正の値が必要です"))
	}
	switch c.Broadcast.Mode {
	case BroadcastKafka, BroadcastLoopback:
	default:
		errs = append(errs, fmt.Errorf("broadcast.mode %q は不正です", c.Broadcast.Mode))
	}
	if c.UsesKafka() && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers が必要です"))
	}
	return errors.Join(errs...)
}

// UsesKafka はブローカーへの接続が必要な構成かどうかを返す。
func (c *Config) UsesKafka() bool {
	return c.Ingest.Enabled || c.Broadcast.Mode == BroadcastKafka
}

// ClientOptions はブローカー接続に共通するfranz-goのオプションを返す。
func (k KafkaConfig) ClientOptions() ([]kgo.Opt, error) {
	if len(k.Brokers) == 0 {
		return nil, errors.New("kafka.brokers が設定されていません")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(k.Brokers...)}
	if k.TLS.Enabled {
		tlsCfg, err := k.TLS.load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts, nil
}

// load は証明書ファイルを読み込んでTLS設定を組み立てる。
func (t TLSConfig) load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("クライアント証明書の読み込みに失敗: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("CA証明書の読み込みに失敗: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA証明書 %s を解析できません", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
