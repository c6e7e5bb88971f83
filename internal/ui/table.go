package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/warpmesh/internal/utils"
)

// PeerKind says how a peer is reached.
type PeerKind string

const (
	PeerRemote PeerKind = "webrtc"
	PeerLocal  PeerKind = "local"
)

// PeerRow is one line of the peers table.
type PeerRow struct {
	ID   string
	Kind PeerKind
}

// PeersTableView renders peers using lipgloss/table.
func PeersTableView(rows []PeerRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render(IconWaiting + " No peers yet")
	}

	data := make([][]string, len(rows))
	for i, r := range rows {
		icon := IconPeer
		if r.Kind == PeerLocal {
			icon = IconTab
		}
		data[i] = []string{fmt.Sprintf("%d", i+1), utils.ShortID(r.ID), icon + " " + string(r.Kind)}
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Peer", "Link").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}

// RoomInfo is shown once the room has been joined.
type RoomInfo struct {
	Room      string
	PeerID    string
	Signaling []string
	Sealed    bool
	Shared    bool
}

func (r RoomInfo) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Joined room\n\n", IconSuccess)
	fmt.Fprintf(&b, "%s Room:      %s\n", IconRoom, BoldStyle.Foreground(Primary).Render(r.Room))
	fmt.Fprintf(&b, "%s You:       %s\n", IconPeer, utils.ShortID(r.PeerID))
	fmt.Fprintf(&b, "%s Signaling: %s", IconWeb, MutedStyle.Render(strings.Join(r.Signaling, ", ")))
	if r.Sealed {
		fmt.Fprintf(&b, "\n%s Payloads are sealed with the room password", IconLock)
	}
	if r.Shared {
		fmt.Fprintf(&b, "\n%s Leadership shared through Redis", IconConnect)
	}
	return InfoBoxStyle.Render(b.String())
}
