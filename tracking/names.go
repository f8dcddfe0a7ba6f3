package tracking

import (
	"fmt"
	"math/rand/v2"
)

var (
	runNamePredicates = []string{
		"able", "bold", "brave", "bright", "calm", "casual", "clean", "clever",
		"crisp", "dapper", "eager", "fair", "gentle", "glamorous", "honest",
		"judicious", "kindly", "lucky", "merciful", "nimble", "polite", "quiet",
		"rogue", "sincere", "skillful", "smiling", "suave", "thundering", "upbeat",
		"valuable", "wise", "youthful",
	}
	runNameNouns = []string{
		"ant", "bass", "bat", "bear", "boar", "calf", "carp", "cat", "colt", "cow",
		"crab", "deer", "doe", "dove", "eel", "elk", "finch", "fly", "fox", "frog",
		"goat", "gull", "hare", "hawk", "hen", "jay", "lark", "lynx", "mole", "moth",
		"newt", "owl", "ox", "ram", "seal", "shark", "sheep", "slug", "snail",
		"stag", "swan", "toad", "trout", "wasp", "whale", "wolf", "worm", "wren",
	}
)

// GenerateRunName returns a random "<predicate>-<noun>-<number>" name, used
// when a run is created without one.
func GenerateRunName() string {
	return fmt.Sprintf("%s-%s-%d",
		runNamePredicates[rand.IntN(len(runNamePredicates))],
		runNameNouns[rand.IntN(len(runNameNouns))],
		rand.IntN(1000),
	)
}
