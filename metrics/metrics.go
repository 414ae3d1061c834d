package metrics

import (
  "context"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-qnscale-relay/device"
)

var (
  descWeightKg = prometheus.NewDesc(
    "scale_weight_kilograms",
    "Last stable weight reported by the scale in kilograms.",
    nil,
    nil,
  )

  descWeightLbs = prometheus.NewDesc(
    "scale_weight_pounds",
    "Last stable weight reported by the scale in pounds, rounded to one decimal.",
    nil,
    nil,
  )

  descResistance = prometheus.NewDesc(
    "scale_resistance_raw",
    "Last bioimpedance value reported by the scale, as sent by the device.",
    []string{"channel"},
    nil,
  )
)

// CollectFunc returns the reading to expose and when it was captured. ok is false until the
// first reading arrives.
type CollectFunc func() (r device.Reading, ts time.Time, ok bool)

type collector struct {
  CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  ch <- descWeightKg
  ch <- descWeightLbs
  ch <- descResistance
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  reading, ts, ok := c.CollectFunc()

  if !ok {
    return
  }

  gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
    m := prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
    ch <- prometheus.NewMetricWithTimestamp(ts, m)
  }

  gauge(descWeightKg, reading.WeightKg)
  gauge(descWeightLbs, reading.WeightLbs)
  gauge(descResistance, float64(reading.ResistanceOne), "one")
  gauge(descResistance, float64(reading.ResistanceTwo), "two")
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}

// Store keeps the most recent reading. It is a reporter, so it can sit next to the HTTP one.
type Store struct {
  mu sync.RWMutex

  now     func() time.Time
  latest  device.Reading
  at      time.Time
  hasData bool
}

func NewStore() *Store {
  return &Store{now: time.Now}
}

func (s *Store) Report(_ context.Context, r device.Reading) error {
  s.mu.Lock()
  defer s.mu.Unlock()

  s.latest = r
  s.at = s.now()
  s.hasData = true

  return nil
}

func (s *Store) Latest() (device.Reading, time.Time, bool) {
  s.mu.RLock()
  defer s.mu.RUnlock()

  return s.latest, s.at, s.hasData
}
