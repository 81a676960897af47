package datasource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// LoadFile reads a CSV of category,lat,lng rows into a Static source. A
// header row is optional. Files ending in .zst are zstd-compressed.
func LoadFile(path string, logger *slog.Logger) (*Static, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open point file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	points, err := ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	total := 0
	for _, pts := range points {
		total += len(pts)
	}
	var size uint64
	if st, err := f.Stat(); err == nil {
		size = uint64(st.Size())
	}
	logger.Info("loaded point file", "path", path, "size", humanize.Bytes(size),
		"categories", len(points), "points", total)
	return &Static{points: points}, nil
}

// ReadCSV parses category,lat,lng rows.
func ReadCSV(r io.Reader) (map[string][]geo.GeoPoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	points := make(map[string][]geo.GeoPoint)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}

		lat, latErr := strconv.ParseFloat(rec[1], 64)
		lng, lngErr := strconv.ParseFloat(rec[2], 64)
		if latErr != nil || lngErr != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: invalid coordinate %q,%q", line, rec[1], rec[2])
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return nil, fmt.Errorf("line %d: coordinate out of range (%v, %v)", line, lat, lng)
		}
		cat := strings.TrimSpace(rec[0])
		points[cat] = append(points[cat], geo.GeoPoint{Lat: lat, Lng: lng})
	}
	return points, nil
}
