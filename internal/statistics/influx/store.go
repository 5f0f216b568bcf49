// Package influx writes statistics records to an InfluxDB v2 bucket.
// Influx deduplicates points with identical measurement, tags and
// timestamp, so re-publishing overlapping ranges is an upsert.
package influx

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"waterflux/internal/statistics"
)

const measurement = "water_usage"

// Store is an InfluxDB v2 implementation of the statistics store.
type Store struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewStore initialises the InfluxDB client and verifies connectivity.
func NewStore(url, token, org, bucket string) (*Store, error) {
	if url == "" {
		return nil, errors.New("influx statistics: empty url")
	}
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("influx statistics: health check: %w", err)
	}
	return &Store{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

// Publish writes one point per record, tagged with the series id.
func (s *Store) Publish(ctx context.Context, meta statistics.SeriesMeta, records []statistics.Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(records))
	for _, record := range records {
		points = append(points, write.NewPoint(
			measurement,
			map[string]string{
				"series_id": meta.SeriesID,
				"name":      meta.Name,
				"unit":      meta.Unit,
			},
			map[string]interface{}{
				"state": record.State,
				"sum":   record.Sum,
			},
			record.Start,
		))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx statistics: write %s: %w", meta.SeriesID, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}
