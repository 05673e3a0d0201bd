package traffic

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yumelira/yumebox-go/internal/config"
)

const (
	// SlotsPerDay splits a day into two-hour slots.
	SlotsPerDay = 12

	DefaultRetentionDays = 90

	dayLayout = "2006-01-02"
)

// DailySummary is the traffic of one local calendar day.
type DailySummary struct {
	Date     string `json:"date" yaml:"date"`
	Upload   int64  `json:"upload" yaml:"upload"`
	Download int64  `json:"download" yaml:"download"`
	Slots    []Data `json:"slots" yaml:"slots"`
}

// ProfileUsage is the lifetime traffic recorded while a profile was active.
type ProfileUsage struct {
	ProfileID   string `json:"profile_id" yaml:"profile_id"`
	ProfileName string `json:"profile_name" yaml:"profile_name"`
	Upload      int64  `json:"upload" yaml:"upload"`
	Download    int64  `json:"download" yaml:"download"`
}

type statsFile struct {
	Days     map[string]*DailySummary `yaml:"days"`
	Profiles map[string]*ProfileUsage `yaml:"profiles"`
}

// Statistics accumulates traffic per day and per profile. Changes are kept
// in memory until Flush.
type Statistics struct {
	path      string
	retention int
	now       func() time.Time

	mu    sync.Mutex
	data  statsFile
	dirty bool
}

// OpenStatistics loads statistics from path; a missing file starts empty.
// An empty path keeps everything in memory.
func OpenStatistics(path string) (*Statistics, error) {
	s := &Statistics{
		path:      path,
		retention: DefaultRetentionDays,
		now:       time.Now,
		data: statsFile{
			Days:     make(map[string]*DailySummary),
			Profiles: make(map[string]*ProfileUsage),
		},
	}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read traffic statistics: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse traffic statistics: %w", err)
	}
	if s.data.Days == nil {
		s.data.Days = make(map[string]*DailySummary)
	}
	if s.data.Profiles == nil {
		s.data.Profiles = make(map[string]*ProfileUsage)
	}
	for _, d := range s.data.Days {
		d.Slots = normalizeSlots(d.Slots)
	}
	return s, nil
}

// normalizeSlots pads or folds slots to SlotsPerDay. Files written with six
// four-hour slots are split evenly, the remainder going to the first half.
func normalizeSlots(slots []Data) []Data {
	switch {
	case len(slots) == SlotsPerDay:
		return slots
	case len(slots) == SlotsPerDay/2:
		out := make([]Data, SlotsPerDay)
		for i, d := range slots {
			half := Data{Upload: d.Upload / 2, Download: d.Download / 2}
			out[i*2] = Data{Upload: d.Upload - half.Upload, Download: d.Download - half.Download}
			out[i*2+1] = half
		}
		return out
	default:
		out := make([]Data, SlotsPerDay)
		copy(out, slots)
		return out
	}
}

func slotOf(t time.Time) int {
	return t.Hour() / (24 / SlotsPerDay)
}

// Record adds one delta to today's summary and, when profileID is set, to
// that profile's usage. Non-positive deltas are ignored.
func (s *Statistics) Record(delta Data, profileID, profileName string) {
	if delta.Upload <= 0 && delta.Download <= 0 {
		return
	}
	if delta.Upload < 0 {
		delta.Upload = 0
	}
	if delta.Download < 0 {
		delta.Download = 0
	}

	now := s.now()
	key := now.Format(dayLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	day, ok := s.data.Days[key]
	if !ok {
		day = &DailySummary{Date: key, Slots: make([]Data, SlotsPerDay)}
		s.data.Days[key] = day
		s.pruneLocked(now)
	}
	day.Upload += delta.Upload
	day.Download += delta.Download
	slot := slotOf(now)
	day.Slots[slot] = day.Slots[slot].Add(delta)

	if profileID != "" && profileName != "" {
		usage, ok := s.data.Profiles[profileID]
		if !ok {
			usage = &ProfileUsage{ProfileID: profileID}
			s.data.Profiles[profileID] = usage
		}
		usage.ProfileName = profileName
		usage.Upload += delta.Upload
		usage.Download += delta.Download
	}
	s.dirty = true
}

func (s *Statistics) pruneLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -s.retention).Format(dayLayout)
	for key := range s.data.Days {
		if key < cutoff {
			delete(s.data.Days, key)
		}
	}
}

// Today returns today's summary, zero if nothing was recorded.
func (s *Statistics) Today() DailySummary {
	return s.Day(s.now())
}

// Day returns the summary of the day containing t.
func (s *Statistics) Day(t time.Time) DailySummary {
	key := t.Format(dayLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.data.Days[key]; ok {
		out := *d
		out.Slots = append([]Data(nil), d.Slots...)
		return out
	}
	return DailySummary{Date: key, Slots: make([]Data, SlotsPerDay)}
}

// Days returns the last n days ending today, oldest first. Days without
// traffic are included as zero summaries.
func (s *Statistics) Days(n int) []DailySummary {
	if n <= 0 {
		return nil
	}
	now := s.now()
	out := make([]DailySummary, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.Day(now.AddDate(0, 0, -i)))
	}
	return out
}

// Total sums every retained day.
func (s *Statistics) Total() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total Data
	for _, d := range s.data.Days {
		total = total.Add(Data{Upload: d.Upload, Download: d.Download})
	}
	return total
}

// ProfileUsages returns usage per profile, heaviest first.
func (s *Statistics) ProfileUsages() []ProfileUsage {
	s.mu.Lock()
	out := make([]ProfileUsage, 0, len(s.data.Profiles))
	for _, u := range s.data.Profiles {
		out = append(out, *u)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Upload+out[i].Download, out[j].Upload+out[j].Download
		if ti != tj {
			return ti > tj
		}
		return out[i].ProfileID < out[j].ProfileID
	})
	return out
}

// RemoveProfile forgets the usage of a deleted profile.
func (s *Statistics) RemoveProfile(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Profiles[profileID]; ok {
		delete(s.data.Profiles, profileID)
		s.dirty = true
	}
}

// Clear drops every recorded day and profile usage.
func (s *Statistics) Clear() error {
	s.mu.Lock()
	s.data.Days = make(map[string]*DailySummary)
	s.data.Profiles = make(map[string]*ProfileUsage)
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// Flush writes pending changes to disk.
func (s *Statistics) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.path == "" {
		return nil
	}
	if err := config.Save(s.path, s.data); err != nil {
		return fmt.Errorf("failed to save traffic statistics: %w", err)
	}
	s.dirty = false
	return nil
}
