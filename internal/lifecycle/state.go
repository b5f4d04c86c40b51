package lifecycle

// State 对应代理的生命周期阶段。
type State int

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "new"
	}
}

// MessageSkipWaiting 是唯一支持的控制命令。
const MessageSkipWaiting = "SKIP_WAITING"

// Message 是 POST /-/agent/messages 的请求体。
type Message struct {
	Type string `json:"type"`
}
