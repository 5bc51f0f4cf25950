// Package commands implements the spendgate CLI subcommands.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

var (
	configPath string
	outputJSON bool
)

// SetConfigPath sets the directory searched for config.yaml.
func SetConfigPath(p string) {
	configPath = p
}

// SetOutputJSON sets the output format preference.
func SetOutputJSON(j bool) {
	outputJSON = j
}

// OutputTable outputs data in table format, or as JSON rows when the
// --json flag is set.
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in indented JSON format.
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
