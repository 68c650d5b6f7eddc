package openpgm

import "time"

// Capability gates what an Endpoint may do, set once before bind.
type Capability int

const (
	CapabilitySendRecv Capability = iota
	CapabilitySendOnly
	CapabilityRecvOnly
)

// FECParams configures optional proactive/on-demand Reed-Solomon FEC, the
// struct form of the USE_FEC option.
type FECParams struct {
	N                int
	K                int
	ProactivePackets int
	OnDemand         bool
	VarPktLen        bool
}

// Config holds every socket-option-controlled parameter an Endpoint reads
// at construction and that SetOption may adjust afterward. Zero value is
// not valid; use DefaultConfig.
type Config struct {
	Capability Capability

	MTU int

	TxWindowSqns   uint32
	TxWindowSecs   time.Duration
	TxWindowMaxRte float64

	RxWindowSqns   uint32
	RxWindowSecs   time.Duration
	RxWindowMaxRte float64

	AmbientSPM   time.Duration
	HeartbeatSPM []time.Duration

	NakBackoffInterval time.Duration
	NakRepeatInterval  time.Duration
	NakRDataInterval   time.Duration
	NakNCFRetries      int
	NakDataRetries     int

	PeerExpiry time.Duration

	FEC *FECParams

	UDPEncapUnicastPort   uint16
	UDPEncapMulticastPort uint16
}

// DefaultConfig returns the spec's default timer and window values (§4.6),
// with FEC disabled and UDP encapsulation off.
func DefaultConfig() Config {
	return Config{
		Capability:     CapabilitySendRecv,
		MTU:            1500,
		TxWindowSqns:   4096,
		RxWindowSqns:   4096,
		AmbientSPM:     30 * time.Second,
		HeartbeatSPM:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond},
		NakBackoffInterval: 50 * time.Millisecond,
		NakRepeatInterval:  200 * time.Millisecond,
		NakRDataInterval:   2 * time.Second,
		NakNCFRetries:      50,
		NakDataRetries:     50,
		PeerExpiry:         5 * time.Minute,
	}
}

// Option mutates a Config at construction time; With* functions below
// each produce one.
type Option func(*Config)

// WithCapability restricts the endpoint to send-only or receive-only
// operation.
func WithCapability(c Capability) Option {
	return func(cfg *Config) { cfg.Capability = c }
}

// WithMTU sets the maximum TPDU size, including IP headers.
func WithMTU(mtu int) Option {
	return func(cfg *Config) { cfg.MTU = mtu }
}

// WithTxWindow sizes the transmit window by sequence-number count.
func WithTxWindow(sqns uint32) Option {
	return func(cfg *Config) { cfg.TxWindowSqns = sqns }
}

// WithRxWindow sizes the receive window by sequence-number count.
func WithRxWindow(sqns uint32) Option {
	return func(cfg *Config) { cfg.RxWindowSqns = sqns }
}

// WithAmbientSPM sets the idle SPM interval.
func WithAmbientSPM(d time.Duration) Option {
	return func(cfg *Config) { cfg.AmbientSPM = d }
}

// WithNakTimers overrides the receiver NAK state machine's three
// deadlines in one call.
func WithNakTimers(backoff, repeat, rdata time.Duration) Option {
	return func(cfg *Config) {
		cfg.NakBackoffInterval = backoff
		cfg.NakRepeatInterval = repeat
		cfg.NakRDataInterval = rdata
	}
}

// WithNakRetries overrides the receiver's NCF/data retry budgets.
func WithNakRetries(ncf, data int) Option {
	return func(cfg *Config) {
		cfg.NakNCFRetries = ncf
		cfg.NakDataRetries = data
	}
}

// WithFEC enables proactive/on-demand Reed-Solomon repair.
func WithFEC(p FECParams) Option {
	return func(cfg *Config) { cfg.FEC = &p }
}

// WithUDPEncap sets unicast/multicast UDP encapsulation ports, for
// deployments without raw IP access.
func WithUDPEncap(unicastPort, multicastPort uint16) Option {
	return func(cfg *Config) {
		cfg.UDPEncapUnicastPort = unicastPort
		cfg.UDPEncapMulticastPort = multicastPort
	}
}

// OptionKind identifies a socket option settable after construction via
// Endpoint.SetOption.
type OptionKind int

const (
	OptTxWindowMaxRte OptionKind = iota
	OptRxWindowMaxRte
	OptNakBackoffInterval
	OptNakRepeatInterval
	OptNakRDataInterval
	OptNakNCFRetries
	OptNakDataRetries
	OptPeerExpiry
	OptAmbientSPM
)

// applyRuntimeOption mutates cfg per a SetOption call, rejecting values
// that fall outside what the running endpoint can accept. It never
// partially applies a rejected option, matching spec §7's ConfigError
// contract ("endpoint state unchanged").
func applyRuntimeOption(cfg *Config, kind OptionKind, value any) error {
	switch kind {
	case OptTxWindowMaxRte:
		v, ok := value.(float64)
		if !ok || v < 0 {
			return newError(KindConfigError, "TXW_MAX_RTE requires a non-negative float64", nil)
		}
		cfg.TxWindowMaxRte = v
	case OptRxWindowMaxRte:
		v, ok := value.(float64)
		if !ok || v < 0 {
			return newError(KindConfigError, "RXW_MAX_RTE requires a non-negative float64", nil)
		}
		cfg.RxWindowMaxRte = v
	case OptNakBackoffInterval:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return newError(KindConfigError, "NAK_BO_IVL requires a positive duration", nil)
		}
		cfg.NakBackoffInterval = v
	case OptNakRepeatInterval:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return newError(KindConfigError, "NAK_RPT_IVL requires a positive duration", nil)
		}
		cfg.NakRepeatInterval = v
	case OptNakRDataInterval:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return newError(KindConfigError, "NAK_RDATA_IVL requires a positive duration", nil)
		}
		cfg.NakRDataInterval = v
	case OptNakNCFRetries:
		v, ok := value.(int)
		if !ok || v < 0 {
			return newError(KindConfigError, "NAK_NCF_RETRIES requires a non-negative int", nil)
		}
		cfg.NakNCFRetries = v
	case OptNakDataRetries:
		v, ok := value.(int)
		if !ok || v < 0 {
			return newError(KindConfigError, "NAK_DATA_RETRIES requires a non-negative int", nil)
		}
		cfg.NakDataRetries = v
	case OptPeerExpiry:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return newError(KindConfigError, "PEER_EXPIRY requires a positive duration", nil)
		}
		cfg.PeerExpiry = v
	case OptAmbientSPM:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return newError(KindConfigError, "AMBIENT_SPM requires a positive duration", nil)
		}
		cfg.AmbientSPM = v
	default:
		return newError(KindConfigError, "unknown option kind", nil)
	}
	return nil
}
