package models

// ChannelState is the lifecycle state of the realtime channel.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelReconnecting
	ChannelFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelReconnecting:
		return "reconnecting"
	case ChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}
