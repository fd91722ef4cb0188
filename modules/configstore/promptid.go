package configstore

// Map and Reduce prompts live in separate tables with independent rowids, but
// the settings API exposes a single flat id space. Reduce ids are shifted by
// a large constant on the way out and shifted back on the way in.
const reduceIDOffset int64 = 100000000

func externalPromptID(internal int64, promptType string) int64 {
	if promptType == PromptTypeReduce {
		return internal + reduceIDOffset
	}
	return internal
}

func parseExternalPromptID(external int64) (int64, string) {
	if external >= reduceIDOffset {
		return external - reduceIDOffset, PromptTypeReduce
	}
	return external, PromptTypeMap
}
