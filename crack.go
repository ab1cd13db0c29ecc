package unlockexcel

import (
	"sync"
	"sync/atomic"
)

// Crack tries candidates in source order until one reproduces the
// record's digest. Exhaustion is a normal outcome, not an error: the
// password simply was not in the list.
func Crack(record *ProtectionRecord, next func() (string, bool)) (string, bool) {
	for {
		candidate, ok := next()
		if !ok {
			return "", false
		}
		if record.Matches(candidate) {
			return candidate, true
		}
	}
}

// SliceCandidates adapts a wordlist slice to the lazy sequence Crack
// consumes.
func SliceCandidates(words []string) func() (string, bool) {
	i := 0
	return func() (string, bool) {
		if i >= len(words) {
			return "", false
		}
		word := words[i]
		i++
		return word, true
	}
}

// CrackParallel fans the wordlist out over workers. Each worker pulls the
// next untried index from a shared cursor and checks it independently; the
// first confirmed match flips a shared flag that drains the others. When
// several candidates match, any one of them may win.
func CrackParallel(record *ProtectionRecord, words []string, workers int) (string, bool) {
	if workers <= 1 {
		return Crack(record, SliceCandidates(words))
	}

	var cursor int64 = -1
	var done int32
	found := make(chan string, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.LoadInt32(&done) == 0 {
				i := atomic.AddInt64(&cursor, 1)
				if i >= int64(len(words)) {
					return
				}
				if record.Matches(words[i]) {
					atomic.StoreInt32(&done, 1)
					found <- words[i]
					return
				}
			}
		}()
	}
	wg.Wait()
	close(found)

	password, ok := <-found
	return password, ok
}
