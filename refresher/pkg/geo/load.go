package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
)

type LoadConfig struct {
	Logger *slog.Logger

	// Source is a local file path or an s3://bucket/key URL holding a
	// GeoJSON FeatureCollection of county polygons.
	Source string
}

func (cfg *LoadConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == "" {
		return errors.New("county topology source is required")
	}
	return nil
}

// LoadCounties reads the county topology fixture and builds the lookup
// index. Features without a usable GEOID, outside the 50 states + DC,
// or with non-polygonal geometry are skipped.
func LoadCounties(ctx context.Context, cfg LoadConfig) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	data, err := readSource(ctx, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read county topology: %w", err)
	}
	counties, err := parseCounties(cfg.Logger, data)
	if err != nil {
		return nil, err
	}
	if len(counties) == 0 {
		return nil, errors.New("county topology contains no usable counties")
	}

	cfg.Logger.Info("geo: county topology loaded", "source", cfg.Source, "counties", len(counties))
	return NewIndex(counties), nil
}

func readSource(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "s3://") {
		return readS3(ctx, source)
	}
	return os.ReadFile(source)
}

func readS3(ctx context.Context, source string) ([]byte, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 source %q", source)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object %s: %w", source, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func parseCounties(log *slog.Logger, data []byte) ([]*County, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse county topology: %w", err)
	}

	counties := make([]*County, 0, len(fc.Features))
	for _, f := range fc.Features {
		fips, _ := f.Properties["GEOID"].(string)
		if len(fips) != 5 {
			log.Debug("geo: skipping feature without 5-digit GEOID", "geoid", fips)
			continue
		}
		state, ok := refdata.StateByFIPS(fips[:2])
		if !ok {
			// Territories are outside the ingest envelope.
			log.Debug("geo: skipping county outside the 50 states + DC", "fips", fips)
			continue
		}

		var geom orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			geom = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			geom = g
		default:
			log.Debug("geo: skipping non-polygonal county geometry", "fips", fips)
			continue
		}

		name, _ := f.Properties["NAME"].(string)
		centroid, _ := planar.CentroidArea(geom)
		counties = append(counties, &County{
			FIPS:      fips,
			StateCode: state.Code,
			Name:      name,
			Geometry:  geom,
			Bound:     geom.Bound(),
			Centroid:  centroid,
		})
	}
	return counties, nil
}
