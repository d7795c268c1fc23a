package agents

import "hash/fnv"

// Role indexes used when deriving worker names, so each pipeline stage of a
// task gets a stable, distinct name in events and logs.
const (
	IdxPlanner    = 0
	IdxResearcher = 1
	IdxEvaluator  = 2
	IdxRapporteur = 3
)

// workerNames is the pool of nautical worker names. The list is fixed so a
// task id always maps to the same names.
var workerNames = []string{
	"Abyss", "Brine", "Coral", "Drift", "Ebb",
	"Kraken", "Mariana", "Nautilus", "Pelagic", "Reef",
	"Sonar", "Trench", "Umbra", "Vent", "Whirl",
	"Anchor", "Ballast", "Current", "Dredge", "Echo",
	"Flotsam", "Galleon", "Harbor", "Isobath", "Jetsam",
	"Keel", "Lagoon", "Moraine", "Neap", "Osmos",
	"Plume", "Quill", "Riptide", "Shoal", "Tide",
	"Upwell", "Voyage", "Wake", "Zephyr",
}

// WorkerName returns a deterministic worker name for a task id and role index.
// The same task id and index always produce the same name.
func WorkerName(taskID string, index int) string {
	if len(workerNames) == 0 {
		return ""
	}
	hash := fnv32a(taskID)
	nameIndex := (int(hash) + index) % len(workerNames)
	return workerNames[nameIndex]
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
