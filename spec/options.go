package spec

// Options is the structured form of a launch request, as it appears in JSON request
// bodies and YAML job files. Args may be a whitespace separated string or a list.
type Options struct {
	Handler        string `json:"handler,omitempty" yaml:"handler,omitempty"`
	Controller     string `json:"controller,omitempty" yaml:"controller,omitempty"`
	Args           any    `json:"args,omitempty" yaml:"args,omitempty"`
	ControllerArgs any    `json:"controller_args,omitempty" yaml:"controller_args,omitempty"`
	Tethered       *bool  `json:"tethered,omitempty" yaml:"tethered,omitempty"`
	Background     *bool  `json:"background,omitempty" yaml:"background,omitempty"`
	Immediate      *bool  `json:"immediate,omitempty" yaml:"immediate,omitempty"`
}

// Spec normalizes the options with the same rules as FromMap.
func (o Options) Spec() LaunchSpec {
	return FromMap(o.toMap())
}

func (o Options) toMap() map[string]any {
	m := map[string]any{}
	if o.Handler != "" {
		m["handler"] = o.Handler
	}
	if o.Controller != "" {
		m["controller"] = o.Controller
	}
	if o.Args != nil {
		m["args"] = o.Args
	}
	if o.ControllerArgs != nil {
		m["controller_args"] = o.ControllerArgs
	}
	if o.Tethered != nil {
		m["tethered"] = *o.Tethered
	}
	if o.Background != nil {
		m["background"] = *o.Background
	}
	if o.Immediate != nil {
		m["immediate"] = *o.Immediate
	}
	return m
}
