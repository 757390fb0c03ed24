package openailike

import "github.com/batchlinghq/batchling/network"

// Variants describes the six OpenAI-shaped providers this package serves.
var Variants = []Variant{
	{
		Name:              "openai",
		Hostnames:         []string{"api.openai.com"},
		UploadPath:        "/v1/files",
		BatchesPath:       "/v1/batches",
		FilesContentPathf: "%s/v1/files/%s/content",
	},
	{
		Name:              "doubleword",
		Hostnames:         []string{"api.doubleword.ai"},
		UploadPath:        "/v1/files",
		BatchesPath:       "/v1/batches",
		FilesContentPathf: "%s/v1/files/%s/content",
	},
	{
		Name:              "groq",
		Hostnames:         []string{"api.groq.com"},
		UploadPath:        "/openai/v1/files",
		BatchesPath:       "/openai/v1/batches",
		FilesContentPathf: "%s/openai/v1/files/%s/content",
	},
	{
		Name:              "cerebras",
		Hostnames:         []string{"api.cerebras.ai"},
		UploadPath:        "/v1/files",
		BatchesPath:       "/v1/batches",
		FilesContentPathf: "%s/v1/files/%s/content",
	},
	{
		Name:                 "mistral",
		Hostnames:            []string{"api.mistral.ai"},
		UploadPath:           "/v1/files",
		BatchesPath:          "/v1/batch/jobs",
		FilesContentPathf:    "%s/v1/files/%s/content",
		PluralInputFiles:     true,
		IncludeModelInSubmit: true,
		StatusVocabulary:     "mistral",
		OutputFileField:      "output_file",
	},
	{
		Name:              "together",
		Hostnames:         []string{"api.together.xyz"},
		UploadPath:        "/v1/files/upload",
		BatchesPath:       "/v1/batches",
		FilesContentPathf: "%s/v1/files/%s/content",
		NestedJobResponse: true,
	},
}

// NewAll builds one Adapter per Variant, sharing a single client factory.
func NewAll(client *network.ClientFactory) []*Adapter {
	adapters := make([]*Adapter, 0, len(Variants))
	for _, v := range Variants {
		adapters = append(adapters, New(v, client))
	}
	return adapters
}
