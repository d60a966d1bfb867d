// Package ingest loads orders and driver rosters from CSV files for the
// simulation harness and for local seeding.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// LoadOrders reads an order CSV with the header
// order_id,created_at,pickup_lat,pickup_lon,dropoff_lat,dropoff_lon,merchant_id.
// created_at is RFC 3339; merchant_id may be empty.
func LoadOrders(path string) ([]domain.Order, error) {
	rows, idx, err := readCSV(path, []string{
		"order_id", "created_at", "pickup_lat", "pickup_lon", "dropoff_lat", "dropoff_lon", "merchant_id",
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(rows))
	for n, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, row[idx["created_at"]])
		if err != nil {
			return nil, fmt.Errorf("op=ingest.LoadOrders row=%d: created_at: %w", n+2, err)
		}
		pickup, err := parseCoord(row[idx["pickup_lat"]], row[idx["pickup_lon"]])
		if err != nil {
			return nil, fmt.Errorf("op=ingest.LoadOrders row=%d: pickup: %w", n+2, err)
		}
		dropoff, err := parseCoord(row[idx["dropoff_lat"]], row[idx["dropoff_lon"]])
		if err != nil {
			return nil, fmt.Errorf("op=ingest.LoadOrders row=%d: dropoff: %w", n+2, err)
		}
		orders = append(orders, domain.Order{
			ID:        row[idx["order_id"]],
			Pickup:    pickup,
			Dropoff:   dropoff,
			PickupID:  row[idx["merchant_id"]],
			CreatedAt: createdAt.UTC(),
			Status:    domain.OrderRaw,
		})
	}
	return orders, nil
}

// LoadDrivers reads a roster CSV with the header
// driver_id,lat,lon,status,max_capacity.
func LoadDrivers(path string) ([]domain.Driver, error) {
	rows, idx, err := readCSV(path, []string{"driver_id", "lat", "lon", "status", "max_capacity"})
	if err != nil {
		return nil, err
	}

	drivers := make([]domain.Driver, 0, len(rows))
	for n, row := range rows {
		loc, err := parseCoord(row[idx["lat"]], row[idx["lon"]])
		if err != nil {
			return nil, fmt.Errorf("op=ingest.LoadDrivers row=%d: location: %w", n+2, err)
		}
		capacity, err := strconv.Atoi(row[idx["max_capacity"]])
		if err != nil {
			return nil, fmt.Errorf("op=ingest.LoadDrivers row=%d: max_capacity: %w", n+2, err)
		}
		drivers = append(drivers, domain.Driver{
			ID:          row[idx["driver_id"]],
			Location:    loc,
			Status:      domain.DriverStatus(row[idx["status"]]),
			MaxCapacity: capacity,
		})
	}
	return drivers, nil
}

// readCSV returns data rows plus a column index built from the header.
func readCSV(path string, required []string) ([][]string, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("op=ingest.readCSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("op=ingest.readCSV %s: header: %w", path, err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[col] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("op=ingest.readCSV %s: missing column %q", path, col)
		}
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("op=ingest.readCSV %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, idx, nil
}

func parseCoord(latStr, lonStr string) (domain.Coordinate, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("lon: %w", err)
	}
	return domain.Coordinate{Lat: lat, Lon: lon}, nil
}
