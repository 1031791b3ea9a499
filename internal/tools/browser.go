package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	browserStepTimeout = 30 * time.Second
	extractMaxChars    = 2000
)

// BrowserTool drives a headless Chrome for web apps that need login or
// JavaScript: navigate, fill, click, select, extract, wait. Each call runs
// an isolated browser instance.
type BrowserTool struct {
	headless bool
}

func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{headless: headless}
}

func (t *BrowserTool) Name() string { return "browser_automate" }
func (t *BrowserTool) Description() string {
	return "Automate a browser: open URL, fill inputs, click elements, extract text. " +
		"Use for web apps that need login or JavaScript. Steps: navigate (url), " +
		"fill (selector, value), click (selector), select (selector, value), " +
		"extract (selector, optional attribute like 'textContent' or 'href'), wait (timeout ms)."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Initial URL to open before the first step",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "List of actions in order",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"action": map[string]interface{}{
							"type":        "string",
							"enum":        []string{"navigate", "fill", "click", "select", "extract", "wait"},
							"description": "Action type",
						},
						"url":      map[string]interface{}{"type": "string", "description": "For navigate: URL to open"},
						"selector": map[string]interface{}{"type": "string", "description": "CSS selector for fill/click/select/extract"},
						"value":    map[string]interface{}{"type": "string", "description": "For fill/select: value to set"},
						"attribute": map[string]interface{}{
							"type":        "string",
							"description": "For extract: e.g. textContent, href (default textContent)",
						},
						"timeout": map[string]interface{}{"type": "integer", "description": "For wait: milliseconds to wait"},
					},
					"required": []string{"action"},
				},
			},
		},
		"required": []string{"steps"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawSteps, _ := args["steps"].([]interface{})
	if len(rawSteps) == 0 {
		return ErrorResult("steps is required")
	}

	l := launcher.New().Headless(t.headless)
	controlURL, err := l.Launch()
	if err != nil {
		return ErrorResult(fmt.Sprintf("launch browser: %v", err))
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return ErrorResult(fmt.Sprintf("connect browser: %v", err))
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open page: %v", err))
	}

	var results []string
	if url, _ := args["url"].(string); url != "" {
		if err := navigate(page, url); err != nil {
			return ErrorResult(fmt.Sprintf("navigate %s: %v", url, err))
		}
		results = append(results, "Navigated to "+url)
	}

	for i, raw := range rawSteps {
		step, _ := raw.(map[string]interface{})
		action, _ := step["action"].(string)
		action = strings.ToLower(action)
		label := fmt.Sprintf("Step %d", i+1)
		if action == "" {
			results = append(results, label+": missing action, skipped")
			continue
		}
		if out, err := t.runStep(ctx, page, action, step); err != nil {
			results = append(results, fmt.Sprintf("%s error: %v", label, err))
		} else {
			results = append(results, label+": "+out)
		}
	}
	return NewResult(strings.Join(results, "\n"))
}

func (t *BrowserTool) runStep(ctx context.Context, page *rod.Page, action string, step map[string]interface{}) (string, error) {
	selector, _ := step["selector"].(string)
	value, _ := step["value"].(string)

	switch action {
	case "navigate":
		url, _ := step["url"].(string)
		if url == "" {
			return "", fmt.Errorf("navigate requires 'url'")
		}
		if err := navigate(page, url); err != nil {
			return "", err
		}
		return "navigated to " + url, nil

	case "wait":
		ms := 1000.0
		if v, ok := step["timeout"].(float64); ok && v > 0 {
			ms = v
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return fmt.Sprintf("waited %dms", int(ms)), nil

	case "fill":
		if selector == "" {
			return "", fmt.Errorf("fill requires 'selector'")
		}
		el, err := element(page, selector)
		if err != nil {
			return "", err
		}
		if err := el.SelectAllText(); err == nil {
			el.Input("")
		}
		if err := el.Input(value); err != nil {
			return "", err
		}
		return "filled " + selector, nil

	case "click":
		if selector == "" {
			return "", fmt.Errorf("click requires 'selector'")
		}
		el, err := element(page, selector)
		if err != nil {
			return "", err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", err
		}
		return "clicked " + selector, nil

	case "select":
		if selector == "" {
			return "", fmt.Errorf("select requires 'selector'")
		}
		el, err := element(page, selector)
		if err != nil {
			return "", err
		}
		if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
			return "", err
		}
		return fmt.Sprintf("selected %s in %s", value, selector), nil

	case "extract":
		if selector == "" {
			return "", fmt.Errorf("extract requires 'selector'")
		}
		el, err := element(page, selector)
		if err != nil {
			return "", err
		}
		attr, _ := step["attribute"].(string)
		var out string
		switch attr {
		case "", "textContent", "innerText":
			out, err = el.Text()
		default:
			var v *string
			v, err = el.Attribute(attr)
			if v != nil {
				out = *v
			}
		}
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if len(out) > extractMaxChars {
			out = out[:extractMaxChars] + "..."
		}
		return "(extract) " + out, nil
	}
	return "", fmt.Errorf("unknown action %q", action)
}

func navigate(page *rod.Page, url string) error {
	p := page.Timeout(browserStepTimeout)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func element(page *rod.Page, selector string) (*rod.Element, error) {
	return page.Timeout(browserStepTimeout).Element(selector)
}
