package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/BioHazard786/warpmesh/internal/utils"
)

// SessionSummary is printed when the dashboard exits.
type SessionSummary struct {
	Room          string
	PeerID        string
	Duration      time.Duration
	WasLeader     bool
	PeersSeen     int
	Sent          int
	Received      int
	BytesSent     int64
	BytesReceived int64
}

// SessionSummaryView renders the summary with go-pretty.
func SessionSummaryView(s SessionSummary) string {
	role := "follower"
	if s.WasLeader {
		role = "leader"
	}

	t := table.NewWriter()
	t.SetTitle("Session Summary")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.Room},
		{"Peer", utils.ShortID(s.PeerID)},
		{"Role", role},
		{"Duration", utils.FormatTimeDuration(s.Duration)},
		{"Peers seen", s.PeersSeen},
		{"Sent", fmt.Sprintf("%d (%s)", s.Sent, utils.FormatSize(s.BytesSent))},
		{"Received", fmt.Sprintf("%d (%s)", s.Received, utils.FormatSize(s.BytesReceived))},
	})
	return t.Render()
}

func RenderSessionSummary(s SessionSummary) {
	fmt.Println(SessionSummaryView(s))
}
