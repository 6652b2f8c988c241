package analysis

import "github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"

// Shared state fields of one analysis run.
const (
	FieldSubject            = "subject"
	FieldFacts              = "facts"      // *datasource.Result
	FieldProvenance         = "provenance" // map[datasource.Field]string
	FieldDataGaps           = "data_gaps"  // []string
	FieldMemories           = "memories"   // []memory.Scored
	FieldRoute              = "route"      // validator.Decision
	FieldFindings           = "findings"   // []validator.Finding
	FieldFlags              = "flags"      // []string, warn rule ids
	FieldMarketReport       = "market_report"
	FieldFundamentalsReport = "fundamentals_report"
	FieldNewsReport         = "news_report"
	FieldSentimentReport    = "sentiment_report"
	FieldDebate             = "debate_transcript" // append-ordered graph.DebateEntry
	FieldConverged          = "debate_converged"
	FieldInvestmentPlan     = "investment_plan"
	FieldRiskAssessment     = "risk_assessment"
	FieldDecision           = "decision"
	FieldDecisionPath       = "decision_path"
	FieldMemoryKey          = "memory_key"
)

// Node names.
const (
	NodeAcquire         = "acquire_data"
	NodeRecall          = "recall_memory"
	NodeValidate        = "validate"
	NodeMarket          = "market_analyst"
	NodeFundamentals    = "fundamentals_analyst"
	NodeNews            = "news_analyst"
	NodeSentiment       = "sentiment_analyst"
	NodeAnalystBarrier  = "analyst_barrier"
	NodeDebate          = "debate"
	NodeResearchManager = "research_manager"
	NodeRiskReview      = "risk_review"
	NodeFinalize        = "finalize"
	NodeStoreMemory     = "store_memory"
)

// Schema is the field policy table shared by every run.
func Schema() graph.Schema {
	return graph.Schema{
		FieldSubject:            graph.FirstWriterWins,
		FieldFacts:              graph.OverwriteLastWriter,
		FieldProvenance:         graph.OverwriteLastWriter,
		FieldDataGaps:           graph.OverwriteLastWriter,
		FieldMemories:           graph.OverwriteLastWriter,
		FieldRoute:              graph.OverwriteLastWriter,
		FieldFindings:           graph.OverwriteLastWriter,
		FieldFlags:              graph.OverwriteLastWriter,
		FieldMarketReport:       graph.OverwriteLastWriter,
		FieldFundamentalsReport: graph.OverwriteLastWriter,
		FieldNewsReport:         graph.OverwriteLastWriter,
		FieldSentimentReport:    graph.OverwriteLastWriter,
		FieldDebate:             graph.AppendOrdered,
		FieldConverged:          graph.OverwriteLastWriter,
		FieldInvestmentPlan:     graph.OverwriteLastWriter,
		FieldRiskAssessment:     graph.OverwriteLastWriter,
		FieldDecision:           graph.OverwriteLastWriter,
		FieldDecisionPath:       graph.OverwriteLastWriter,
		FieldMemoryKey:          graph.OverwriteLastWriter,
	}
}

var analystReports = []string{FieldMarketReport, FieldFundamentalsReport, FieldNewsReport, FieldSentimentReport}
