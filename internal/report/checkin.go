package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// CheckinVersion is the first field of every checkin row.
const CheckinVersion = "9"

// Checkin writes the compact comma separated form:
//
//	9,<uid>,<l|u>,<section>,<name>,<time_ms>,<count>,<value>
//
// "l" rows are since last charge and "u" rows since last unplug. Device-wide
// rows use uid 0.
func Checkin(w io.Writer, s *stats.Store, o Options) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{CheckinVersion, "0", "i", "vers", "batterystatsd",
		strconv.FormatInt(s.Epoch.StartWallMs, 10), strconv.FormatInt(s.Epoch.Resets, 10),
		strconv.FormatInt(s.Epoch.Boundaries, 10)}); err != nil {
		return err
	}
	if s.BatteryKnown {
		b := s.Battery
		if err := cw.Write([]string{CheckinVersion, "0", "i", "bt", "battery",
			strconv.Itoa(b.Level), strconv.Itoa(b.PlugType), strconv.Itoa(b.Status)}); err != nil {
			return err
		}
	}
	for _, which := range o.windows() {
		tag := whichTag(which)
		if err := writeRows(cw, 0, tag, s.GlobalEntries(o.NowMs, which)); err != nil {
			return err
		}
		for _, uid := range s.SortedUids() {
			if !o.wants(uid) {
				continue
			}
			if err := writeRows(cw, uid, tag, s.UidEntries(uid, o.NowMs, which)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeRows(cw *csv.Writer, uid int, tag string, entries []stats.Entry) error {
	u := strconv.Itoa(uid)
	for _, e := range entries {
		row := []string{CheckinVersion, u, tag, e.Section, e.Name,
			strconv.FormatInt(e.TimeMs, 10), strconv.FormatInt(e.Count, 10), strconv.FormatInt(e.Value, 10)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func whichTag(w stats.Which) string {
	if w == stats.SinceUnplugged {
		return "u"
	}
	return "l"
}

// CheckinRow is one parsed data row.
type CheckinRow struct {
	UID     int
	Which   string
	Section string
	Name    string
	TimeMs  int64
	Count   int64
	Value   int64
}

// ParseCheckin reads data rows back, skipping info rows and rows it cannot
// parse. It is used by the dump tool to filter and re-render checkins.
func ParseCheckin(r io.Reader) ([]CheckinRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []CheckinRow
	for _, rec := range recs {
		if len(rec) != 8 || rec[0] != CheckinVersion || rec[2] == "i" {
			continue
		}
		uid, err := strconv.Atoi(rec[1])
		if err != nil {
			continue
		}
		row := CheckinRow{UID: uid, Which: rec[2], Section: rec[3], Name: rec[4]}
		if row.TimeMs, err = strconv.ParseInt(rec[5], 10, 64); err != nil {
			continue
		}
		if row.Count, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
			continue
		}
		if row.Value, err = strconv.ParseInt(rec[7], 10, 64); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
