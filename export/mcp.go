package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/hcexport/kit"
)

// mcpExportArgs is the wire shape of the chart_export tool.
type mcpExportArgs struct {
	Options json.RawMessage `json:"options,omitempty"`
	SVG     string          `json:"svg,omitempty"`
	Type    string          `json:"type,omitempty"`
	Constr  string          `json:"constr,omitempty"`
	Width   int             `json:"width,omitempty"`
	Height  int             `json:"height,omitempty"`
	Scale   float64         `json:"scale,omitempty"`
}

type mcpExportResult struct {
	Data      string `json:"data"`
	MIME      string `json:"mime"`
	Worker    string `json:"worker"`
	Version   string `json:"version"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type mcpVersionResult struct {
	Version  string        `json:"version"`
	Stats    StatsSnapshot `json:"stats"`
	UptimeMs int64         `json:"uptime_ms"`
}

// RegisterMCPTools exposes the exporter as MCP tools: chart_export renders
// a chart, chart_version reports the active Highcharts version and render
// counters.
func (e *Exporter) RegisterMCPTools(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name: "chart_export",
		Description: "Render a Highcharts options object or a raw SVG document " +
			"to png, jpeg, pdf or svg. Returns the output inline, base64 for " +
			"binary formats.",
	}, e.mcpExport, decodeMCPExport)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "chart_version",
		Description: "Report the active Highcharts version and render statistics.",
	}, e.mcpVersion, decodeMCPVersion)
}

func decodeMCPExport(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var args mcpExportArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, err
	}
	if len(args.Options) == 0 && args.SVG == "" {
		return nil, fmt.Errorf("one of options or svg is required")
	}
	return &kit.MCPDecodeResult{
		Request: &args,
		EnrichCtx: func(ctx context.Context) context.Context {
			return kit.WithTransport(ctx, "mcp")
		},
	}, nil
}

func (e *Exporter) mcpExport(ctx context.Context, req any) (any, error) {
	args := req.(*mcpExportArgs)

	res, err := e.Render(ctx, Request{
		Options:     args.Options,
		SVG:         args.SVG,
		Format:      NormalizeFormat(args.Type, ""),
		Constructor: Constructor(args.Constr),
		Width:       args.Width,
		Height:      args.Height,
		Scale:       args.Scale,
	})
	if err != nil {
		return nil, err
	}
	return &mcpExportResult{
		Data:      res.Data,
		MIME:      res.MIME,
		Worker:    res.ProducedBy,
		Version:   e.Version(),
		ElapsedMs: res.Elapsed.Milliseconds(),
	}, nil
}

func decodeMCPVersion(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: struct{}{}}, nil
}

func (e *Exporter) mcpVersion(ctx context.Context, req any) (any, error) {
	return &mcpVersionResult{
		Version:  e.Version(),
		Stats:    e.Stats(),
		UptimeMs: e.Uptime().Milliseconds(),
	}, nil
}
