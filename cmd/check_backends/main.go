// Command check_backends validates a gateway config file: every model must
// reference a configured backend, aliases must resolve to declared models,
// and access lists and plan caps must be coherent. With -probe it also
// checks that each backend base URL answers.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type configDoc struct {
	Backends map[string]struct {
		BaseURL string `yaml:"baseURL"`
		APIKey  string `yaml:"apiKey"`
	} `yaml:"backends"`
	Models []struct {
		ID      string `yaml:"id"`
		Backend string `yaml:"backend"`
	} `yaml:"models"`
	Aliases     map[string]string `yaml:"aliases"`
	GuestModels []string          `yaml:"guestModels"`
	DemoModels  []string          `yaml:"demoModels"`
	Plans       []struct {
		Tier   string         `yaml:"tier"`
		Limits map[string]int `yaml:"limits"`
	} `yaml:"plans"`
}

func main() {
	probe := flag.Bool("probe", false, "probe each backend base URL over HTTP")
	timeout := flag.Duration("timeout", 5*time.Second, "probe timeout per backend")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-probe] <config.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(flag.Arg(0))
	if err != nil {
		exitErr(err)
	}
	if err := validateCatalog(doc); err != nil {
		exitErr(err)
	}
	if err := validatePlans(doc); err != nil {
		exitErr(err)
	}
	if *probe {
		if err := probeBackends(doc, *timeout); err != nil {
			exitErr(err)
		}
	}
	fmt.Println("Backend config check passed.")
}

func loadDoc(path string) (configDoc, error) {
	var doc configDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func validateCatalog(doc configDoc) error {
	if len(doc.Backends) == 0 {
		return errors.New("backends section missing or empty")
	}
	if len(doc.Models) == 0 {
		return errors.New("models section missing or empty")
	}
	modelIDs := make(map[string]bool, len(doc.Models))
	for _, model := range doc.Models {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			return errors.New("model with empty id")
		}
		if modelIDs[id] {
			return fmt.Errorf("duplicate model id %q", id)
		}
		modelIDs[id] = true
		if _, ok := doc.Backends[model.Backend]; !ok {
			return fmt.Errorf("model %q references unknown backend %q", id, model.Backend)
		}
	}
	for alias, target := range doc.Aliases {
		if !modelIDs[target] {
			return fmt.Errorf("alias %q points at undeclared model %q", alias, target)
		}
		if modelIDs[alias] {
			return fmt.Errorf("alias %q shadows a declared model id", alias)
		}
	}
	for _, list := range [][]string{doc.GuestModels, doc.DemoModels} {
		for _, id := range list {
			if !modelIDs[id] && doc.Aliases[id] == "" {
				return fmt.Errorf("access list names undeclared model %q", id)
			}
		}
	}
	return nil
}

func validatePlans(doc configDoc) error {
	seen := make(map[string]bool, len(doc.Plans))
	for _, plan := range doc.Plans {
		tier := strings.TrimSpace(plan.Tier)
		switch tier {
		case "free", "plus", "pro":
		default:
			return fmt.Errorf("unknown plan tier %q", tier)
		}
		if seen[tier] {
			return fmt.Errorf("duplicate plan tier %q", tier)
		}
		seen[tier] = true
		for kind, limit := range plan.Limits {
			switch kind {
			case "text", "image", "video":
			default:
				return fmt.Errorf("plan %q has unknown usage kind %q", tier, kind)
			}
			if limit < -1 {
				return fmt.Errorf("plan %q limit for %q must be >= -1", tier, kind)
			}
		}
	}
	return nil
}

func probeBackends(doc configDoc, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	names := make([]string, 0, len(doc.Backends))
	for name := range doc.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		baseURL := strings.TrimRight(doc.Backends[name].BaseURL, "/")
		if baseURL == "" {
			fmt.Printf("skip %s: no baseURL\n", name)
			continue
		}
		resp, err := client.Get(baseURL + "/models")
		if err != nil {
			return fmt.Errorf("probe %s: %w", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe %s: status %d", name, resp.StatusCode)
		}
		fmt.Printf("ok %s: status %d\n", name, resp.StatusCode)
	}
	return nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
