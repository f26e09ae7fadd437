package meshsub

import (
	"errors"
	"fmt"
	"time"

	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultBindAddr          = "0.0.0.0:0"
	DefaultD                 = 6
	DefaultDlo               = 4
	DefaultDhi               = 12
	DefaultHeartbeatInterval = time.Second
	DefaultSeenTTL           = time.Second * 120
	DefaultMessageStoreSize  = 1024
	DefaultMaxMessageSize    = 1 << 20
	DefaultMaxIHaveLength    = 5000
	DefaultIWantRate         = 10.0
	DefaultIWantBurst        = 50
	DefaultSendQueueSize     = 64
	DefaultNotifyBufferSize  = 1024
)

type Options struct {
	// BindAddr is the address the default TCP transport listens on. Ignored
	// if Transport is set. If not set defaults to 0.0.0.0:0.
	BindAddr string

	// Transport used to communicate with peers. If unset the node listens
	// for TCP connections on BindAddr.
	Transport transport.Transport

	// D is the target number of mesh peers per topic, Dlo and Dhi the
	// bounds that trigger rebalancing on a heartbeat. Dlo <= D <= Dhi.
	D   int `validate:"gt=0"`
	Dlo int `validate:"gt=0,ltefield=D"`
	Dhi int `validate:"gtefield=D"`

	// HeartbeatInterval is the time between heartbeats, when the node
	// rebalances its meshes and expires seen messages. If not set defaults
	// to 1s.
	HeartbeatInterval time.Duration `validate:"gt=0"`

	// SeenTTL is how long a message ID is remembered to suppress
	// duplicates. If not set defaults to 120s.
	SeenTTL time.Duration `validate:"gt=0"`

	// MessageStoreSize is the number of recent messages kept to answer
	// IWANT requests.
	MessageStoreSize int `validate:"gt=0"`

	// MaxMessageSize is the maximum payload size that can be published or
	// received.
	MaxMessageSize int `validate:"gt=0,lte=4194304"`

	// MaxIHaveLength is the maximum number of message IDs a peer is asked
	// for from a single IHAVE.
	MaxIHaveLength int `validate:"gt=0"`

	// IWantRate and IWantBurst limit how many IWANT requests per second are
	// served for each peer.
	IWantRate  float64 `validate:"gt=0"`
	IWantBurst int     `validate:"gt=0"`

	// SendQueueSize is the number of outbound RPCs queued per peer before
	// further RPCs to that peer are dropped.
	SendQueueSize int `validate:"gt=0"`

	// NotifyBufferSize is the number of pending callbacks before further
	// notifications are dropped.
	NotifyBufferSize int `validate:"gt=0"`

	// ExplicitPeers are sent every message in full on the topics they
	// subscribe to, and are never added to a topic mesh. Note the node
	// doesn't connect to them itself.
	ExplicitPeers []peer.ID

	// Callbacks run one at a time on a single goroutine and may call any
	// Meshsub method, including Shutdown. They should not block.

	// OnMessage is invoked when a new message is received on a subscribed
	// topic.
	OnMessage func(m *Message)

	// OnPeerConnected is invoked when a peer connects.
	OnPeerConnected func(id peer.ID, addr string)

	// OnPeerDisconnected is invoked when a peer disconnects.
	OnPeerDisconnected func(id peer.ID)

	// OnPeerSubscribed is invoked when a peer announces it subscribes to a
	// topic.
	OnPeerSubscribed func(id peer.ID, topic string)

	// OnPeerUnsubscribed is invoked when a peer announces it no longer
	// subscribes to a topic.
	OnPeerUnsubscribed func(id peer.ID, topic string)

	// Score configures the peer scoring function used to rank mesh
	// candidates. Peers with a negative score are pruned from the mesh.
	Score ScoreParams

	// Registerer registers the node metrics. If nil metrics are not
	// registered.
	Registerer prometheus.Registerer

	Clock clock.Clock

	Logger *zap.Logger
}

type Option func(*Options)

func WithBindAddr(addr string) Option {
	return func(opts *Options) {
		opts.BindAddr = addr
	}
}

func WithTransport(tr transport.Transport) Option {
	return func(opts *Options) {
		opts.Transport = tr
	}
}

func WithMeshDegree(d, dlo, dhi int) Option {
	return func(opts *Options) {
		opts.D = d
		opts.Dlo = dlo
		opts.Dhi = dhi
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.HeartbeatInterval = interval
	}
}

func WithSeenTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.SeenTTL = ttl
	}
}

func WithMessageStoreSize(size int) Option {
	return func(opts *Options) {
		opts.MessageStoreSize = size
	}
}

func WithMaxMessageSize(size int) Option {
	return func(opts *Options) {
		opts.MaxMessageSize = size
	}
}

func WithMaxIHaveLength(n int) Option {
	return func(opts *Options) {
		opts.MaxIHaveLength = n
	}
}

func WithIWantRate(perSecond float64, burst int) Option {
	return func(opts *Options) {
		opts.IWantRate = perSecond
		opts.IWantBurst = burst
	}
}

func WithSendQueueSize(size int) Option {
	return func(opts *Options) {
		opts.SendQueueSize = size
	}
}

func WithNotifyBufferSize(size int) Option {
	return func(opts *Options) {
		opts.NotifyBufferSize = size
	}
}

func WithExplicitPeers(ids ...peer.ID) Option {
	return func(opts *Options) {
		opts.ExplicitPeers = append(opts.ExplicitPeers, ids...)
	}
}

func WithOnMessage(cb func(m *Message)) Option {
	return func(opts *Options) {
		opts.OnMessage = cb
	}
}

func WithOnPeerConnected(cb func(id peer.ID, addr string)) Option {
	return func(opts *Options) {
		opts.OnPeerConnected = cb
	}
}

func WithOnPeerDisconnected(cb func(id peer.ID)) Option {
	return func(opts *Options) {
		opts.OnPeerDisconnected = cb
	}
}

func WithOnPeerSubscribed(cb func(id peer.ID, topic string)) Option {
	return func(opts *Options) {
		opts.OnPeerSubscribed = cb
	}
}

func WithOnPeerUnsubscribed(cb func(id peer.ID, topic string)) Option {
	return func(opts *Options) {
		opts.OnPeerUnsubscribed = cb
	}
}

func WithScoreParams(params ScoreParams) Option {
	return func(opts *Options) {
		opts.Score = params
	}
}

// WithAppScore adds an application specific score to each peer's score.
func WithAppScore(cb func(id peer.ID) float64) Option {
	return func(opts *Options) {
		opts.Score.AppScore = cb
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Registerer = reg
	}
}

func WithClock(clk clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = clk
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	l, _ := zap.NewDevelopment()
	return &Options{
		BindAddr:          DefaultBindAddr,
		Transport:         nil,
		D:                 DefaultD,
		Dlo:               DefaultDlo,
		Dhi:               DefaultDhi,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SeenTTL:           DefaultSeenTTL,
		MessageStoreSize:  DefaultMessageStoreSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxIHaveLength:    DefaultMaxIHaveLength,
		IWantRate:         DefaultIWantRate,
		IWantBurst:        DefaultIWantBurst,
		SendQueueSize:     DefaultSendQueueSize,
		NotifyBufferSize:  DefaultNotifyBufferSize,
		Score:             DefaultScoreParams(),
		Registerer:        nil,
		Clock:             clock.New(),
		Logger:            l,
	}
}

var validate = validator.New()

// validate checks the options, returning a *ConfigError describing the first
// invalid field.
func (opts *Options) validate() error {
	if opts.Transport == nil && opts.BindAddr == "" {
		return &ConfigError{Field: "BindAddr", Reason: "required when no transport is set"}
	}
	if opts.Clock == nil {
		return &ConfigError{Field: "Clock", Reason: "required"}
	}
	if opts.Logger == nil {
		return &ConfigError{Field: "Logger", Reason: "required"}
	}

	if opts.Score.Decay < 0 || opts.Score.Decay >= 1 {
		return &ConfigError{Field: "Score.Decay", Reason: fmt.Sprintf("must be in [0, 1) (got %v)", opts.Score.Decay)}
	}
	if opts.Score.TimeInMeshQuantum <= 0 {
		return &ConfigError{Field: "Score.TimeInMeshQuantum", Reason: "must be greater than 0"}
	}

	err := validate.Struct(opts)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigError{Field: "Options", Reason: err.Error()}
	}
	fe := verrs[0]
	return &ConfigError{Field: fe.Field(), Reason: validationReason(fe)}
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be greater than %s (got %v)", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "ltefield":
		return fmt.Sprintf("must not exceed %s (got %v)", fe.Param(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation (got %v)", fe.Tag(), fe.Value())
	}
}
