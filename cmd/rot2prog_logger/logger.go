// Command rot2prog_logger records the rot2prog server's status stream in
// InfluxDB.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
)

var (
	org    = flag.String("org", "w1xm", "InfluxDB organization")
	bucket = flag.String("bucket", "rot2prog.raw", "InfluxDB bucket")
)

// report mirrors the fields of the server's status document that get
// logged.
type report struct {
	Status struct {
		Azimuth         float64 `json:"azimuth"`
		Elevation       float64 `json:"elevation"`
		PulsesPerDegree uint8   `json:"pulses_per_degree"`
	} `json:"status"`
	Target string    `json:"target"`
	Error  string    `json:"error"`
	Time   time.Time `json:"time"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	client := influxdb2.NewClient(getenv("INFLUX_SERVER", "http://localhost:9999"), os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(*org, *bucket)
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("write error: %v", err)
		}
	}()
	url := getenv("ROT2PROG_ADDRESS", "ws://localhost:8502/api/ws")
	for {
		if err := logData(url, writeApi); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

// point converts a report to a measurement, or nil when the report
// carries no fresh position.
func point(r report) *write.Point {
	if r.Error != "" || r.Time.IsZero() {
		return nil
	}
	return influxdb2.NewPoint("rot2prog.status",
		map[string]string{"target": r.Target},
		map[string]interface{}{
			"azimuth":           r.Status.Azimuth,
			"elevation":         r.Status.Elevation,
			"pulses_per_degree": int(r.Status.PulsesPerDegree),
		},
		r.Time,
	)
}

func logData(url string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var r report
		if err := conn.ReadJSON(&r); err != nil {
			return err
		}
		if p := point(r); p != nil {
			// write asynchronously
			writeApi.WritePoint(p)
		}
	}
}
