package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatTable   = "table"
	FormatYAML    = "yaml"
	FormatCompact = "compact"
)

// formatOptionNoHeader hides the table header.
const formatOptionNoHeader = "noheader"

// format returns the selected output format; --json wins over --format.
func format() string {
	if jsonOutput {
		return FormatJSON
	}
	return outputFormat
}

// renderTable writes data in the selected format. raw is what the json
// and yaml formats encode instead of the rows.
func renderTable(w io.Writer, format string, header []string, data [][]string, raw any) error {
	fields := strings.SplitN(format, ",", 2)
	format = fields[0]

	if len(fields) == 2 && slices.Contains(strings.Split(fields[1], ","), formatOptionNoHeader) {
		header = nil
	}

	switch format {
	case FormatTable:
		table := baseTable(w, header, data)
		table.SetRowLine(true)
		table.Render()
	case FormatCompact:
		table := baseTable(w, header, data)
		table.SetColumnSeparator("")
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.Render()
	case FormatCSV:
		cw := csv.NewWriter(w)
		if header != nil {
			if err := cw.Write(header); err != nil {
				return err
			}
		}
		if err := cw.WriteAll(data); err != nil {
			return err
		}
		return cw.Error()
	case FormatJSON, FormatYAML:
		return renderValue(w, format, raw)
	default:
		return fmt.Errorf("invalid format %q", format)
	}

	return nil
}

// renderValue writes a single value as json or yaml. Table formats fall
// back to json.
func renderValue(w io.Writer, format string, raw any) error {
	if strings.HasPrefix(format, FormatYAML) {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(raw); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(raw)
}

func baseTable(w io.Writer, header []string, data [][]string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(data)
	return table
}
