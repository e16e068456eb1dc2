package artifacts

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/dharsanguruparan/clippedset/internal/model"
)

// CSVHeader is the first row of every cuts.csv.
var CSVHeader = []string{"time_seconds", "time_formatted", "confidence"}

// FormatTimestamp renders seconds as M:SS.mmm, e.g. 45.2 -> "0:45.200".
// Minutes are not wrapped into hours.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	return fmt.Sprintf("%d:%02d.%03d", ms/60000, (ms%60000)/1000, ms%1000)
}

// WriteCSV writes the header and one row per cut in ascending start time.
func WriteCSV(w io.Writer, cuts []model.Cut) error {
	sorted := append([]model.Cut(nil), cuts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, c := range sorted {
		row := []string{
			strconv.FormatFloat(c.StartTime, 'f', -1, 64),
			FormatTimestamp(c.StartTime),
			strconv.FormatFloat(c.Confidence, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
