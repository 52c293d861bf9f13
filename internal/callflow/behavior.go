package callflow

// Action is something the presentation layer can offer to the user.
type Action string

const (
	ActionAccept      Action = "accept"
	ActionRefuse      Action = "refuse"
	ActionStop        Action = "stop"
	ActionRetry       Action = "retry"
	ActionAcknowledge Action = "acknowledge"
	ActionDelay       Action = "delay"
	ActionDial        Action = "dial"
)

// Variant selects the screen layout to render.
type Variant string

const (
	VariantIncoming    Variant = "incoming"
	VariantDialing     Variant = "dialing"
	VariantConnecting  Variant = "connecting"
	VariantInCall      Variant = "in_call"
	VariantFailed      Variant = "failed"
	VariantFailedFinal Variant = "failed_final"
)

// UIConfiguration tells the presentation layer what to render for a (role, state) pair.
// TitleKey and SubtitleKey are translation keys, see internal/i18n.
type UIConfiguration struct {
	Variant     Variant  `json:"variant"`
	Actions     []Action `json:"actions"`
	AutoDial    bool     `json:"auto_dial"`
	ShowTimer   bool     `json:"show_timer"`
	TitleKey    string   `json:"title_key"`
	SubtitleKey string   `json:"subtitle_key,omitempty"`
}

// Allows reports whether a is enabled in this configuration.
func (c UIConfiguration) Allows(a Action) bool {
	for _, enabled := range c.Actions {
		if enabled == a {
			return true
		}
	}
	return false
}

type behaviorKey struct {
	role  Role
	state State
}

var behaviors = map[behaviorKey]UIConfiguration{
	{RoleSpeaker, StateReady}: {
		Variant:  VariantIncoming,
		Actions:  []Action{ActionAccept, ActionRefuse, ActionStop},
		TitleKey: "call.speaker.incoming.title",
	},
	{RoleSpeaker, StateConnecting}: {
		Variant:  VariantConnecting,
		Actions:  []Action{ActionStop},
		TitleKey: "call.speaker.connecting.title",
	},
	{RoleSpeaker, StateInCall}: {
		Variant:   VariantInCall,
		Actions:   []Action{ActionStop},
		ShowTimer: true,
		TitleKey:  "call.speaker.in_call.title",
	},
	{RoleSpeaker, StateFailed}: {
		Variant:     VariantFailed,
		Actions:     []Action{ActionDelay, ActionAcknowledge},
		TitleKey:    "call.speaker.failed.title",
		SubtitleKey: "call.speaker.failed.subtitle",
	},
	{RoleSpeaker, StateFailedFinal}: {
		Variant:     VariantFailedFinal,
		Actions:     []Action{ActionAcknowledge},
		TitleKey:    "call.speaker.failed_final.title",
		SubtitleKey: "call.speaker.failed_final.subtitle",
	},
	{RoleListener, StateReady}: {
		Variant:  VariantDialing,
		Actions:  []Action{ActionDial, ActionStop},
		AutoDial: true,
		TitleKey: "call.listener.dialing.title",
	},
	{RoleListener, StateConnecting}: {
		Variant:  VariantConnecting,
		Actions:  []Action{ActionStop},
		TitleKey: "call.listener.dialing.title",
	},
	{RoleListener, StateInCall}: {
		Variant:   VariantInCall,
		Actions:   []Action{ActionStop},
		ShowTimer: true,
		TitleKey:  "call.listener.in_call.title",
	},
	{RoleListener, StateFailed}: {
		Variant:     VariantFailed,
		Actions:     []Action{ActionRetry, ActionAcknowledge},
		TitleKey:    "call.listener.failed.title",
		SubtitleKey: "call.listener.failed.subtitle",
	},
	{RoleListener, StateFailedFinal}: {
		Variant:     VariantFailedFinal,
		Actions:     []Action{ActionAcknowledge},
		TitleKey:    "call.listener.failed.title",
		SubtitleKey: "call.listener.failed_final.subtitle",
	},
}

// fallbackBehavior is returned for values outside the defined roles and states so that
// Behavior stays total. It offers nothing but a way out.
var fallbackBehavior = UIConfiguration{
	Variant:  VariantFailedFinal,
	Actions:  []Action{ActionAcknowledge},
	TitleKey: "call.unavailable.title",
}

// Behavior maps a role and state to the UI configuration for the call screen.
// It never mutates anything; the returned Actions slice is a copy.
func Behavior(role Role, state State) UIConfiguration {
	cfg, ok := behaviors[behaviorKey{role, state}]
	if !ok {
		cfg = fallbackBehavior
	}
	cfg.Actions = append([]Action(nil), cfg.Actions...)
	return cfg
}
