package nodes

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"

	"github.com/forechoandlook/stepflow"
)

const configFormat = "format"

// render expands tmpl against vars in the format named by the node's
// "format" key: go-template (default), f-string or jinja2
func render(cfg Config, tmpl string, vars stepflow.Vars) (string, error) {
	format, err := templateFormat(cfg)
	if err != nil {
		return "", err
	}
	out, err := prompts.RenderTemplate(tmpl, format, map[string]any(vars))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func templateFormat(cfg Config) (prompts.TemplateFormat, error) {
	name, err := cfg.String(configFormat, string(prompts.TemplateFormatGoTemplate))
	if err != nil {
		return "", err
	}
	switch f := prompts.TemplateFormat(name); f {
	case prompts.TemplateFormatGoTemplate,
		prompts.TemplateFormatFString,
		prompts.TemplateFormatJinja2:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown template format %q",
			stepflow.ErrMalformedRequest, name)
	}
}
