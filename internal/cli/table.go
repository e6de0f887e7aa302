package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/pigeon/internal/models"
)

const (
	tablePadding   = 2
	labelMaxWidth  = 40
	previewMaxCols = 48
)

func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for idx, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[idx] {
				widths[idx] = w
			}
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	writer := bufio.NewWriter(out)
	writeRow := func(row []string) {
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			writer.WriteString(cell)
			if idx < colCount-1 {
				padding := widths[idx] - runewidth.StringWidth(cell)
				if padding < 0 {
					padding = 0
				}
				writer.WriteString(strings.Repeat(" ", padding+tablePadding))
			}
		}
		writer.WriteString("\n")
	}

	if len(headers) > 0 {
		writeRow(headers)
	}
	for _, row := range rows {
		writeRow(row)
	}
	return writer.Flush()
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func truncate(value string, width int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return runewidth.Truncate(value, width, "…")
}

func formatTimestamp(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	t := time.UnixMilli(ms).Local()
	if time.Since(t) < 24*time.Hour {
		return t.Format("15:04:05")
	}
	return t.Format("2006-01-02 15:04")
}

func writeConversationTable(out io.Writer, list []models.FormattedConversation) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No conversations.")
		return err
	}
	rows := make([][]string, 0, len(list))
	for _, conv := range list {
		marker := ""
		if conv.Selected {
			marker = "*"
		}
		last, preview := "-", ""
		if n := len(conv.Messages); n > 0 {
			msg := conv.Messages[n-1]
			last = formatTimestamp(msg.Timestamp)
			preview = truncate(msg.SenderName+": "+msg.Text, previewMaxCols)
		}
		rows = append(rows, []string{
			marker,
			shortID(conv.ID),
			truncate(conversationLabel(conv), labelMaxWidth),
			fmt.Sprintf("%d", len(conv.Messages)),
			last,
			preview,
		})
	}
	return writeTable(out, []string{"", "ID", "WITH", "MESSAGES", "LAST", "PREVIEW"}, rows)
}

func writeConversation(out io.Writer, conv models.FormattedConversation) error {
	if _, err := fmt.Fprintf(out, "Conversation %s with %s\n", shortID(conv.ID), conversationLabel(conv)); err != nil {
		return err
	}
	if len(conv.Messages) == 0 {
		_, err := fmt.Fprintln(out, "  (no messages yet)")
		return err
	}
	for _, msg := range conv.Messages {
		if err := writeMessageLine(out, msg); err != nil {
			return err
		}
	}
	return nil
}

func writeMessageLine(out io.Writer, msg models.FormattedMessage) error {
	who := msg.SenderName
	if msg.FromMe {
		who = "you"
	}
	_, err := fmt.Fprintf(out, "  [%s] %s: %s\n", formatTimestamp(msg.Timestamp), who, msg.Text)
	return err
}
