package telemetry

import (
	"encoding/csv"
	"io"
	"strconv"
)

// CSVHeader is the column layout written by WriteCSV.
var CSVHeader = []string{"Timestamp", "X", "Y", "Z", "Temperature", "CalX", "CalY", "CalZ"}

// WriteCSV writes entries as CSV with a header row. Timestamps are Unix
// milliseconds; a missing temperature is an empty cell.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	row := make([]string, len(CSVHeader))
	for _, e := range entries {
		row[0] = strconv.FormatInt(e.Sample.Timestamp(), 10)
		row[1] = strconv.Itoa(int(e.Sample.X))
		row[2] = strconv.Itoa(int(e.Sample.Y))
		row[3] = strconv.Itoa(int(e.Sample.Z))
		row[4] = ""
		if e.Sample.Temperature != nil {
			row[4] = strconv.FormatFloat(*e.Sample.Temperature, 'f', -1, 64)
		}
		row[5] = strconv.FormatFloat(e.Calibrated.X, 'g', -1, 64)
		row[6] = strconv.FormatFloat(e.Calibrated.Y, 'g', -1, 64)
		row[7] = strconv.FormatFloat(e.Calibrated.Z, 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
