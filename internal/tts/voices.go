package tts

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RandomVoice synthesizes without reference samples.
const RandomVoice = "random"

// FindVoice resolves voiceID to the first directory <path>/<voiceID> among
// searchPaths that holds at least one .wav sample.
func FindVoice(voiceID string, searchPaths []string) (Voice, error) {
	if voiceID == RandomVoice {
		return Voice{ID: RandomVoice}, nil
	}
	if !isPathElement(voiceID) {
		return Voice{}, &VoiceNotFoundError{Voice: voiceID, Paths: searchPaths}
	}
	for _, root := range searchPaths {
		if root == "" {
			continue
		}
		dir := filepath.Join(root, voiceID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var samples []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
				continue
			}
			samples = append(samples, filepath.Join(dir, entry.Name()))
		}
		if len(samples) == 0 {
			continue
		}
		sort.Strings(samples)
		return Voice{ID: voiceID, Dir: dir, Samples: samples}, nil
	}
	return Voice{}, &VoiceNotFoundError{Voice: voiceID, Paths: searchPaths}
}

// SearchPaths lists the voice roots for a requester: their own voices
// first, then the shared catalogue. A user ID that is not a single path
// element gets the shared catalogue only.
func SearchPaths(voicesDir, userID string) []string {
	if !ValidUserID(userID) {
		return []string{voicesDir}
	}
	return []string{filepath.Join(voicesDir, "users", userID), voicesDir}
}

// ValidUserID reports whether id can name a personal voice directory.
func ValidUserID(id string) bool {
	return isPathElement(id)
}

func isPathElement(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`+"\x00") {
		return false
	}
	return filepath.IsLocal(name)
}
