package browser

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/hazyhaar/hcexport/idgen"
)

// Resources are user-declared per-render assets.
type Resources struct {
	JS    string
	CSS   string
	Files []string
}

// Handles identifies the DOM nodes injected for one render. Disposal goes
// through the handle list, never through a DOM scan.
type Handles struct {
	ids []string
}

// Len returns the number of injected nodes.
func (h *Handles) Len() int {
	if h == nil {
		return 0
	}
	return len(h.ids)
}

// InjectionError reports one resource that could not be injected. The
// render continues without the item.
type InjectionError struct {
	Kind  string // "js", "css", "file"
	Item  string
	Cause error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("browser: inject %s %q: %v", e.Kind, e.Item, e.Cause)
}

func (e *InjectionError) Unwrap() error { return e.Cause }

const injectScriptJS = `(id, code) => {
	const s = document.createElement('script');
	s.dataset.hcexport = id;
	s.textContent = code;
	document.head.appendChild(s);
}`

const injectStyleJS = `(id, css) => {
	const s = document.createElement('style');
	s.dataset.hcexport = id;
	s.textContent = css;
	document.head.appendChild(s);
}`

const injectLinkJS = `(id, href) => {
	const l = document.createElement('link');
	l.dataset.hcexport = id;
	l.rel = 'stylesheet';
	l.href = href;
	document.head.appendChild(l);
}`

const disposeJS = `(ids) => {
	for (const id of ids) {
		const el = document.querySelector('[data-hcexport="' + id + '"]');
		if (el) el.remove();
	}
	if (window.Highcharts && Highcharts.charts) {
		for (const c of Highcharts.charts) {
			if (c) { try { c.destroy(); } catch (e) {} }
		}
		Highcharts.charts.length = 0;
	}
}`

var newHandleID = idgen.Prefixed("res_", idgen.NanoID(8))

// InjectResources appends script/style/link nodes for the request's
// resources and returns handles for disposal. Failures are per-item: the
// returned errors do not abort the render.
func (p *Page) InjectResources(ctx context.Context, res Resources, allowFiles bool) (*Handles, []error) {
	h := &Handles{}
	var errs []error

	inject := func(kind, item, js string, payload string) {
		id := newHandleID()
		if _, err := p.Eval(ctx, js, id, payload); err != nil {
			errs = append(errs, &InjectionError{Kind: kind, Item: item, Cause: err})
			return
		}
		h.ids = append(h.ids, id)
	}

	if res.CSS != "" {
		imports, rest := splitCSSImports(res.CSS)
		for _, imp := range imports {
			if isURL(imp) {
				inject("css", imp, injectLinkJS, imp)
				continue
			}
			if !allowFiles {
				errs = append(errs, &InjectionError{Kind: "css", Item: imp,
					Cause: fmt.Errorf("file resources not allowed")})
				continue
			}
			body, err := os.ReadFile(imp)
			if err != nil {
				errs = append(errs, &InjectionError{Kind: "css", Item: imp, Cause: err})
				continue
			}
			inject("css", imp, injectStyleJS, string(body))
		}
		if strings.TrimSpace(rest) != "" {
			inject("css", "inline", injectStyleJS, rest)
		}
	}

	if res.JS != "" {
		inject("js", "inline", injectScriptJS, res.JS)
	}

	for _, f := range res.Files {
		if !allowFiles {
			errs = append(errs, &InjectionError{Kind: "file", Item: f,
				Cause: fmt.Errorf("file resources not allowed")})
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, &InjectionError{Kind: "file", Item: f, Cause: err})
			continue
		}
		inject("file", f, injectScriptJS, string(body))
	}

	return h, errs
}

// DisposeResources removes the nodes behind the handles and clears chart
// instances.
func (p *Page) DisposeResources(ctx context.Context, h *Handles) error {
	if h == nil || len(h.ids) == 0 {
		return nil
	}
	if _, err := p.Eval(ctx, disposeJS, h.ids); err != nil {
		return fmt.Errorf("browser: dispose resources: %w", err)
	}
	h.ids = nil
	return nil
}

var cssImportRe = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]?([^'")\s;]+)['"]?\s*\)?\s*;?`)

// splitCSSImports extracts @import targets from a stylesheet and returns
// them with the remaining CSS. URL imports become link tags, local imports
// are inlined, the rest is injected as one style tag.
func splitCSSImports(css string) (imports []string, rest string) {
	for _, m := range cssImportRe.FindAllStringSubmatch(css, -1) {
		imports = append(imports, m[1])
	}
	rest = cssImportRe.ReplaceAllString(css, "")
	return imports, rest
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
