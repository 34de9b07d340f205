package main

import (
	"fmt"
	"log"

	"github.com/headlessqa/triage/internal/config"
	"github.com/headlessqa/triage/internal/engine"
	"github.com/headlessqa/triage/internal/flaky"
	"github.com/headlessqa/triage/internal/jira"
	"github.com/headlessqa/triage/internal/repl"
	"github.com/headlessqa/triage/internal/similarity"
	"github.com/headlessqa/triage/internal/storage"
	"github.com/headlessqa/triage/internal/testray"
)

// app bundles the wired collaborators shared by all commands.
type app struct {
	cfg     config.Config
	testray testray.Client
	tracker jira.Client
	engine  *engine.Engine
	ledger  *storage.Ledger
}

// newApp wires clients, classifier, and engine from the loaded config.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	trClient, err := testray.NewHTTPClient(testray.Config{
		BaseURL:           cfg.Testray.BaseURL,
		RoutineID:         cfg.Testray.RoutineID,
		ClientID:          cfg.Testray.ClientID,
		ClientSecret:      cfg.Testray.ClientSecret,
		RequestsPerSecond: cfg.Testray.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("testray: %w", err)
	}

	jrClient, err := jira.NewHTTPClient(jira.Config{
		BaseURL:           cfg.Jira.BaseURL,
		Username:          cfg.Jira.Username,
		Token:             cfg.Jira.Token,
		Project:           cfg.Jira.Project,
		RequestsPerSecond: cfg.Jira.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("jira: %w", err)
	}

	var oracle similarity.Oracle
	if cfg.AI.APIKey != "" {
		aiOracle, err := similarity.NewAnthropicOracle(similarity.AnthropicConfig{
			APIKey: cfg.AI.APIKey,
			Model:  cfg.AI.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("ai oracle: %w", err)
		}
		oracle = aiOracle
	} else {
		oracle = similarity.NewJaccardOracle()
	}

	matcher, err := similarity.NewMatcher(oracle, cfg.Engine.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	classifier, err := flaky.NewClassifier(matcher, flaky.DefaultConfig())
	if err != nil {
		return nil, err
	}

	ledger, err := storage.Open(cfg.Ledger.Path)
	if err != nil {
		log.Printf("[TRIAGE] Audit ledger unavailable, continuing without: %v", err)
		ledger = nil
	}

	var recorder engine.Recorder
	if ledger != nil {
		recorder = ledger
	}
	eng, err := engine.New(engine.Config{
		TestrayBaseURL: cfg.Testray.BaseURL,
		ProjectID:      cfg.Testray.ProjectID,
		RoutineID:      cfg.Testray.RoutineID,
		Components:     jira.ComponentMapper(cfg.Jira.ComponentMap),
	}, trClient, jrClient, matcher, classifier, recorder)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, testray: trClient, tracker: jrClient, engine: eng, ledger: ledger}, nil
}

func (a *app) close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
}

func (a *app) session() *repl.Session {
	return &repl.Session{Engine: a.engine, Testray: a.testray, Ledger: a.ledger}
}
