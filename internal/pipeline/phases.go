package pipeline

import (
	"github.com/quantpulse/assetscope/config"
)

// Analysis types used across the cache, pipeline, and job result layers.
const (
	AnalysisMarket    = "market"
	AnalysisNews      = "news"
	AnalysisSentiment = "sentiment"
	AnalysisOnChain   = "onchain"
	AnalysisDeep      = "deep"
)

// DefaultPhases builds the standard analysis plan for an asset subject from
// whichever fetchers are configured. The deep phase is always last and runs
// as an async job.
func DefaultPhases(fetchers map[string]Fetcher, cfg config.PipelineConfig) []Phase {
	quality := map[string]int{
		AnalysisMarket:    95,
		AnalysisNews:      80,
		AnalysisSentiment: 70,
		AnalysisOnChain:   85,
	}

	task := func(name, analysisType string) Task {
		return Task{
			Name:         name,
			AnalysisType: analysisType,
			Timeout:      cfg.TaskTimeout,
			CacheTTL:     cfg.CacheTTL,
			Quality:      quality[analysisType],
			Fetcher:      fetchers[analysisType],
		}
	}

	var phases []Phase

	if fetchers[AnalysisMarket] != nil {
		phases = append(phases, Phase{
			Number:   1,
			Label:    "market snapshot",
			Priority: 1,
			Tasks:    []Task{task("market-data", AnalysisMarket)},
		})
	}

	var signalTasks []Task
	if fetchers[AnalysisNews] != nil {
		signalTasks = append(signalTasks, task("news-headlines", AnalysisNews))
	}
	if fetchers[AnalysisSentiment] != nil {
		signalTasks = append(signalTasks, task("sentiment-scan", AnalysisSentiment))
	}
	if len(signalTasks) > 0 {
		phases = append(phases, Phase{
			Number:   2,
			Label:    "news & sentiment",
			Priority: 2,
			Tasks:    signalTasks,
		})
	}

	if fetchers[AnalysisOnChain] != nil {
		phases = append(phases, Phase{
			Number:   3,
			Label:    "on-chain activity",
			Priority: 2,
			Tasks:    []Task{task("onchain-metrics", AnalysisOnChain)},
		})
	}

	phases = append(phases, Phase{
		Number:   4,
		Label:    "deep analysis",
		Priority: 3,
		Deep:     true,
	})

	return phases
}
