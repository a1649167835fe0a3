package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"values": formatValues,
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Config.HomeKitName}}</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.connected, .reachable { color: green; }
.disconnected, .unreachable { color: red; }
</style>
</head>
<body>
<h1>{{.Config.HomeKitName}}</h1>

<h2>Accessories ({{.Reachable}}/{{len .Accessories}} reachable)</h2>
<table>
<tr><th>Name</th><th>Kind</th><th>State</th><th>Reachable</th></tr>
{{range .Accessories}}<tr>
<td><a href="/accessories/{{.ID}}/">{{.Name}}</a></td>
<td>{{.Profile}}</td>
<td>{{values .}}</td>
<td class="{{if .Reachable}}reachable{{else}}unreachable{{end}}">{{if .Reachable}}yes{{else}}no{{end}}</td>
</tr>
{{else}}<tr><td colspan="4">{{if .Ready}}no accessories{{else}}discovering...{{end}}</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Discovery</th><td>{{.Config.DiscoveryInterval}}</td></tr>
<tr><th>Motion clear</th><td>{{.Config.NoMotion}}</td></tr>
<tr><th>Door open</th><td>{{.Config.DoorOpen}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

// formatValues renders an accessory's fields as "name=value" pairs.
func formatValues(a status.AccessorySnapshot) string {
	out := ""
	for i, f := range a.Fields {
		if i > 0 {
			out += " "
		}
		v := a.State.Value(f)
		switch x := v.(type) {
		case float64:
			out += fmt.Sprintf("%s=%.1f", f, x)
		case logic.DoorState, logic.TargetDoorState:
			out += fmt.Sprintf("%s=%s", f, x)
		default:
			out += fmt.Sprintf("%s=%v", f, x)
		}
	}
	return out
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() and Reachable() methods but the template needs
	// fields to shadow them.
	data := struct {
		status.Snapshot
		Uptime    time.Duration
		Reachable int
	}{
		Snapshot:  snap,
		Uptime:    snap.Uptime(),
		Reachable: snap.Reachable(),
	}
	return indexTmpl.Execute(w, data)
}
