package ingest

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/tidwall/sjson"

	"github.com/banshee-data/trajectory.report/internal/tracking"
)

// Writer emits one JSON line per processed frame:
//
//	{"frame":12,"tracks":[{"id":3,"bbox":[...],"source":"detected","predicted":[...],
//	  "anomalous":false,"criteria":{...}}],"evicted":[7]}
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends res as one line.
func (w *Writer) Write(res *tracking.FrameResult) error {
	line, err := EncodeFrame(res)
	if err != nil {
		return err
	}
	if _, err := w.w.WriteString(line); err != nil {
		return fmt.Errorf("write frame %d: %w", res.Frame, err)
	}
	return w.w.WriteByte('\n')
}

// Flush writes any buffered lines.
func (w *Writer) Flush() error { return w.w.Flush() }

// EncodeFrame renders res as a single JSON object without a newline.
func EncodeFrame(res *tracking.FrameResult) (string, error) {
	out := `{}`
	var err error
	if out, err = sjson.Set(out, "frame", res.Frame); err != nil {
		return "", err
	}
	if out, err = sjson.SetRaw(out, "tracks", "[]"); err != nil {
		return "", err
	}

	ids := make([]int64, 0, len(res.Corrected))
	for id := range res.Corrected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		item, err := encodeTrack(res, id)
		if err != nil {
			return "", fmt.Errorf("encode track %d: %w", id, err)
		}
		if out, err = sjson.SetRaw(out, "tracks.-1", item); err != nil {
			return "", err
		}
	}

	evicted := res.Evicted
	if evicted == nil {
		evicted = []int64{}
	}
	if out, err = sjson.Set(out, "evicted", evicted); err != nil {
		return "", err
	}
	return out, nil
}

func encodeTrack(res *tracking.FrameResult, id int64) (string, error) {
	c := res.Corrected[id]
	item := `{}`
	var err error
	if item, err = sjson.Set(item, "id", id); err != nil {
		return "", err
	}
	if item, err = sjson.Set(item, "bbox", c.Box.Slice()); err != nil {
		return "", err
	}
	if item, err = sjson.Set(item, "source", string(c.Source)); err != nil {
		return "", err
	}
	if p := res.Predictions[id]; p != nil {
		if item, err = sjson.Set(item, "predicted", p.Slice()); err != nil {
			return "", err
		}
	}
	if v, ok := res.Verdicts[id]; ok {
		if item, err = sjson.Set(item, "anomalous", v.Anomalous); err != nil {
			return "", err
		}
		if item, err = sjson.Set(item, "criteria", v.Map()); err != nil {
			return "", err
		}
	}
	return item, nil
}
