package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"

	"github.com/mlied/featsync/pkg/feature"
)

// Applies a set of add/remove edits to a map's feature list and saves them,
// retrying with a fresh base when a concurrent writer wins the race.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type state struct {
	Version  int64             `json:"version"`
	Features []json.RawMessage `json:"features"`
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	mapVar := flag.String("map", "default", "the map to edit")
	attemptsVar := flag.Int("attempts", 5, "how often to retry a conflicted save")

	var adds, removes feature.List
	flag.Func("add", "a feature to add (JSON, repeatable)", func(v string) error {
		f, err := feature.New(json.RawMessage(v))
		if err != nil {
			return err
		}
		adds = append(adds, f)
		return nil
	})
	flag.Func("remove", "a feature to remove (JSON, repeatable)", func(v string) error {
		f, err := feature.New(json.RawMessage(v))
		if err != nil {
			return err
		}
		removes = append(removes, f)
		return nil
	})
	flag.Parse()

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < *attemptsVar; attempt++ {
		current, err := fetchLatest(baseUrl, *mapVar)
		if err != nil {
			return err
		}
		slog.Info("fetched base state", "version", current.Version, "features", len(current.Features))

		incoming, err := applyEdits(current.Features, adds, removes)
		if err != nil {
			return err
		}

		saved, conflicted, err := save(baseUrl, *mapVar, current.Version, incoming)
		if err != nil {
			return err
		}
		if conflicted {
			slog.Warn("save conflicted, refetching", "attempt", attempt)
			continue
		}

		slog.Info("saved", "version", saved.Version, "features", len(saved.Features))
		encoded, _ := json.Marshal(saved.Features)
		fmt.Println(string(encoded))
		return nil
	}
	return fmt.Errorf("gave up after %d conflicted attempts", *attemptsVar)
}

func applyEdits(current []json.RawMessage, adds, removes feature.List) ([]json.RawMessage, error) {
	list, err := feature.FromRaw(current)
	if err != nil {
		return nil, fmt.Errorf("failed to decode current features: %w", err)
	}
	for _, r := range removes {
		i := slices.IndexFunc(list, func(f feature.Feature) bool { return f.Key == r.Key })
		if i < 0 {
			return nil, fmt.Errorf("feature to remove is not on the map: %s", r.Key)
		}
		list = slices.Delete(list, i, i+1)
	}
	list = append(list, adds...)
	if err := list.ValidateUnique(); err != nil {
		return nil, err
	}
	return list.Raws(), nil
}

func fetchLatest(baseUrl *url.URL, mapID string) (*state, error) {
	resp, err := http.DefaultClient.Get(baseUrl.JoinPath("maps", mapID, "latest").String())
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out state
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return &out, nil
}

func save(baseUrl *url.URL, mapID string, reference int64, features []json.RawMessage) (*state, bool, error) {
	body, err := json.Marshal(map[string]interface{}{
		"reference": reference,
		"features":  features,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, baseUrl.JoinPath("maps", mapID, "features").String(), bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out state
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, false, fmt.Errorf("failed to read save response: %w", err)
		}
		return &out, false, nil
	case http.StatusConflict:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
