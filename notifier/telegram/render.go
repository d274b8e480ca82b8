// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"bytes"
	"html/template"

	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
)

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"pct":    func(f float64) string { return formatFloat(f, 2) },
	"amount": func(f float64) string { return formatFloat(f, 0) },
}).Parse(`
{{define "UPTIME"}}<b>Validator uptime: {{.Level}}</b>
{{if .Moniker}}{{.Moniker}} {{end}}<code>{{.Operator}}</code>
Uptime is {{pct .Uptime}}%{{if .Previous}} (was {{.Previous}}){{end}}.{{end}}

{{define "POLL_VOTE"}}<b>Poll vote {{.Vote}}</b>
Poll <code>{{.PollID}}</code> on {{.Chain}}
Voter <code>{{.Voter}}</code>{{if .Height}}
Height {{.Height}}{{end}}{{end}}

{{define "RPC_ENDPOINT_HEALTH"}}{{if .Healthy}}<b>RPC endpoint recovered</b>{{else}}<b>RPC endpoint unhealthy</b>{{end}}
{{.Name}}: {{.URL}}{{if .Reason}}
Reason: {{.Reason}}{{end}}{{end}}

{{define "EVM_SUPPORTED_CHAIN_REGISTRATION"}}<b>Chain maintainer {{if .Registered}}registered{{else}}deregistered{{end}}</b>
Chain {{.Chain}}
Maintainer <code>{{.Maintainer}}</code>{{end}}

{{define "BROADCASTER_BALANCE_LOW"}}<b>Broadcaster balance low</b>
<code>{{.Address}}</code> holds {{amount .Balance}} {{.Denom}}, below the {{amount .Threshold}} {{.Denom}} threshold.{{end}}
`))

// render returns the HTML message for n. ok is false for events without a
// template.
func render(n storage.Notification) (msg string, ok bool, err error) {
	var data any
	switch n.Event {
	case storage.EventUptime:
		data = &storage.UptimeData{}
	case storage.EventPollVote:
		data = &storage.PollVoteData{}
	case storage.EventRPCEndpointHealth:
		data = &storage.RPCHealthData{}
	case storage.EventChainRegistration:
		data = &storage.ChainRegistrationData{}
	case storage.EventBroadcasterBalanceLow:
		data = &storage.BalanceData{}
	default:
		return "", false, nil
	}

	if err := json.Unmarshal(n.Data, data); err != nil {
		return "", true, &notifier.SpecificError{Reason: "malformed " + string(n.Event) + " data", Err: err}
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(n.Event), data); err != nil {
		return "", true, &notifier.SpecificError{Reason: "failed to render " + string(n.Event), Err: err}
	}
	return buf.String(), true, nil
}
