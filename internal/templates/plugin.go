package templates

import "plugin"

// LoadPlugin loads a Go plugin (built with `go build -buildmode=plugin`)
// that exports a symbol named `RegisterTemplates`, which is called with
// Register as its argument. This is a narrow, opt-in surface for
// the dynamic-extension requirement in §4.A; it only works on platforms
// the Go plugin package supports (linux/darwin, non-static builds).
//
// The exported symbol signature is `func(register func(string, Factory))`
// so the plugin never needs to import this package's registry internals
// directly, only a typedef-free function value.
func LoadPlugin(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return err
	}
	sym, err := p.Lookup("RegisterTemplates")
	if err != nil {
		return err
	}
	register, ok := sym.(func(func(string, Factory)))
	if !ok {
		return errPluginSignature
	}
	register(Register)
	return nil
}

var errPluginSignature = pluginSignatureError{}

type pluginSignatureError struct{}

func (pluginSignatureError) Error() string {
	return "templates: plugin does not export RegisterTemplates(func(string, Factory))"
}
