package domain

import "math/rand"

// Shuffle permutes the options of q with a Fisher-Yates pass and remaps the correct index.
// Every call produces an independent ordering; results are never cached.
func Shuffle(q Question, rnd *rand.Rand) ShuffledQuestion {
	perm := make([]int, len(q.Options))
	for i := range perm {
		perm[i] = i
	}
	for i := len(perm) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}

	options := make([]string, len(perm))
	correct := -1
	for pos, orig := range perm {
		options[pos] = q.Options[orig]
		if orig == q.CorrectIndex {
			correct = pos
		}
	}
	return ShuffledQuestion{
		ID:               q.ID,
		Text:             q.Text,
		Options:          options,
		CorrectIndex:     correct,
		TimeLimitSeconds: q.TimeLimitSeconds,
		Version:          q.Version,
	}
}

// ShuffleOrder returns a random permutation of ids without touching the input.
func ShuffleOrder(ids []string, rnd *rand.Rand) []string {
	out := append([]string(nil), ids...)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
