package resume

import "github.com/chatcore-dev/chatcore/streaming"

// dedupeSuffix returns the strict suffix of buffered that is not already
// covered by known. The comparison is content-based (longest common prefix)
// rather than length-based because a reconnect can land mid-chunk: the
// server's buffer may overlap what the client already rendered by a partial
// fragment on either side.
//
// Cases:
//   - buffered extends known: the new tail is returned.
//   - buffered is a full snapshot already covered by known: empty.
//   - buffered shares no prefix with known (the server sent only the
//     delta): buffered is returned whole.
func dedupeSuffix(known, buffered string) string {
	if buffered == "" {
		return ""
	}
	p := commonPrefixLen(known, buffered)
	if p == len(buffered) {
		return ""
	}
	if p == len(known) || p == 0 {
		return buffered[p:]
	}
	// Partial overlap that diverges mid-string: the buffer disagrees with
	// local content. Trust the overlap and append only what lies beyond the
	// agreement point.
	return buffered[p:]
}

// commonPrefixLen returns the length in bytes of the longest common prefix
// of a and b.
func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// reconcile merges the server's buffered content into the current
// accumulator, deduplicating against both the committed history tail and
// the accumulator itself. Only strict suffixes beyond what is already known
// locally are appended.
//
// The sequence marker short-circuits the comparison: a buffer whose marker
// is not past the accumulator's carries nothing new.
func reconcile(historyTail string, current, buffered streaming.Content) streaming.Content {
	if buffered.Seq > 0 && current.Seq > 0 && buffered.Seq <= current.Seq {
		return current
	}

	out := current
	out.Text += dedupeSuffix(historyTail+current.Text, buffered.Text)
	out.Reasoning += dedupeSuffix(current.Reasoning, buffered.Reasoning)
	out.ToolCalls += dedupeSuffix(current.ToolCalls, buffered.ToolCalls)
	if buffered.Seq > out.Seq {
		out.Seq = buffered.Seq
	}
	return out
}
