package answer

import (
	"strings"

	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

const (
	ModeFast     = "fast"
	ModeStandard = "standard"
	ModeThink    = "think"
)

func ValidMode(mode string) bool {
	switch mode {
	case "", ModeFast, ModeStandard, ModeThink:
		return true
	}
	return false
}

// Models maps each mode to a model name. An empty name lets the parsing
// service pick its own default.
type Models struct {
	Fast        string `yaml:"fast"`
	Standard    string `yaml:"standard"`
	Think       string `yaml:"think"`
	DefaultMode string `yaml:"default_mode"`
}

func (m Models) ApplyEnv() Models {
	m.Fast = envutil.String("CHAT_MODEL_FAST", m.Fast)
	m.Standard = envutil.String("CHAT_MODEL_STANDARD", m.Standard)
	m.Think = envutil.String("CHAT_MODEL_THINK", m.Think)
	m.DefaultMode = envutil.String("CHAT_DEFAULT_MODE", m.DefaultMode)
	return m
}

// Resolve returns the effective mode and its model.
func (m Models) Resolve(mode string) (string, string) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(m.DefaultMode))
	}
	switch mode {
	case ModeFast:
		return mode, m.Fast
	case ModeThink:
		return mode, m.Think
	default:
		return ModeStandard, m.Standard
	}
}
