package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"syncmesh/pkg/adminapi"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	mutedColor   = lipgloss.Color("#6c757d")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	valueStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderStatus(s adminapi.StatusResponse) string {
	lines := []string{
		titleStyle.Render("SYNCMESH NODE"),
		labelStyle.Render("peer id     ") + valueStyle.Render(s.PeerID),
		labelStyle.Render("control addr") + " " + valueStyle.Render(s.ControlAddr),
		labelStyle.Render("blob addr   ") + " " + valueStyle.Render(s.BlobAddr),
		labelStyle.Render("peers       ") + " " + valueStyle.Render(fmt.Sprintf("%d", s.PeerCount)),
		labelStyle.Render("local files ") + " " + valueStyle.Render(fmt.Sprintf("%d", s.LocalFileCount)),
		labelStyle.Render("network files") + " " + valueStyle.Render(fmt.Sprintf("%d", s.NetworkFileCount)),
		labelStyle.Render("archive     ") + " " + archiveLabel(s.ArchiveActive),
		labelStyle.Render("queued      ") + " " + valueStyle.Render(fmt.Sprintf("%d", len(s.QueuedDownloads))),
		labelStyle.Render("in progress ") + " " + valueStyle.Render(fmt.Sprintf("%d", len(s.InProgress))),
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func archiveLabel(active bool) string {
	if active {
		return lipgloss.NewStyle().Foreground(accentColor).Bold(true).Render("active")
	}
	return lipgloss.NewStyle().Foreground(mutedColor).Render("inactive")
}

func renderPeers(peers []adminapi.PeerInfo) string {
	if len(peers) == 0 {
		return labelStyle.Render("no peers")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return lipgloss.NewStyle()
		})
	t.Headers("PEER ID", "ADDRESS", "STATUS", "LAST SEEN")
	for _, p := range peers {
		statusStyle := lipgloss.NewStyle().Foreground(accentColor)
		if p.Status != "alive" {
			statusStyle = lipgloss.NewStyle().Foreground(warningColor)
		}
		t.Row(p.ID, p.Address, statusStyle.Render(p.Status), p.LastSeen.Format("15:04:05"))
	}
	return t.Render()
}

func renderFiles(files adminapi.FilesResponse) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return lipgloss.NewStyle()
		})
	t.Headers("PATH", "SOURCE", "SIZE")
	for _, f := range files.Local {
		t.Row(f.Path, "local", fileSize(f.Size))
	}
	for peer, records := range files.Network {
		for _, f := range records {
			t.Row(f.Path, peer, fileSize(f.Size))
		}
	}
	for _, path := range files.NonLocal {
		t.Row(path, "non-local", "-")
	}
	return t.Render()
}

// fileSize renders a FileRecord's byte count the way the SIZE column wants
// it: one decimal place below 10, whole units from 10 up, matching the density
// of the other columns in the same table.
func fileSize(bytes int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", bytes, units[unit])
	}
	if size < 10 {
		return fmt.Sprintf("%.1f %s", size, units[unit])
	}
	return fmt.Sprintf("%.0f %s", size, units[unit])
}
