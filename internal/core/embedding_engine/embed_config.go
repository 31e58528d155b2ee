package embedding_engine

// EmbedConfig tunes the batch pipeline.
//
// BatchSize:     how many text units go to the provider in one call (sized to
//                stay under the provider's token budget).
// MaxChunkChars: budget for one page's embeddable unit; pages over it are
//                split into chunks, each becoming its own (page, chunk) row.
type EmbedConfig struct {
	BatchSize     int
	MaxChunkChars int
}

// unit is one embeddable text unit flowing through the pipeline. Chunk is 0
// for every page that fits the budget.
type unit struct {
	Page  int
	Chunk int
	Text  string
}
