package statecache

import (
	"math/rand"
	"reflect"

	"github.com/team-michael/notifly-go-sdk/internal/models"
)

// MergePolicy selects how a refresh combines incoming data with local state.
type MergePolicy string

const (
	// MergePolicyOverwrite fully replaces local state; used when swapping
	// from one known identity to another.
	MergePolicyOverwrite MergePolicy = "overwrite"
	// MergePolicyMerge combines local and incoming state; used when an
	// anonymous user becomes identified.
	MergePolicyMerge MergePolicy = "merge"
)

// randomBucketKey is the user property holding the user's random bucket in
// [0, randomBucketSize).
const (
	randomBucketKey  = "random_bucket_number"
	randomBucketSize = 10000
)

// mergeStates applies the merge policy. The incoming campaign list always
// replaces the local one; counts, properties and hidden-until maps follow
// the policy.
func mergeStates(local, incoming models.State, policy MergePolicy) models.State {
	sanitizeRandomBucket(incoming.UserData.UserProperties)

	if policy == MergePolicyOverwrite {
		return incoming
	}

	out := incoming
	out.EventIntermediateCounts = mergeCounts(local.EventIntermediateCounts, incoming.EventIntermediateCounts)
	out.UserData.UserProperties = mergeMaps(local.UserData.UserProperties, incoming.UserData.UserProperties)
	out.UserData.DeviceProperties = mergeMaps(local.UserData.DeviceProperties, incoming.UserData.DeviceProperties)
	out.UserData.UserMetadata = mergeMaps(local.UserData.UserMetadata, incoming.UserData.UserMetadata)
	out.UserData.CampaignHiddenUntilMillis = mergeHiddenUntil(local.UserData.CampaignHiddenUntilMillis, incoming.UserData.CampaignHiddenUntilMillis)
	out.UserData.CampaignFireLogMillis = mergeFireLogs(local.UserData.CampaignFireLogMillis, incoming.UserData.CampaignFireLogMillis)
	return out
}

// mergeCounts sums rows matching on (date, name, params) and unions the
// rest. Nothing is ever dropped.
func mergeCounts(local, incoming []models.EventIntermediateCount) []models.EventIntermediateCount {
	out := make([]models.EventIntermediateCount, len(local))
	copy(out, local)
	for _, in := range incoming {
		merged := false
		for i := range out {
			if out[i].DT == in.DT && out[i].Name == in.Name && paramsEqual(out[i].EventParams, in.EventParams) {
				out[i].Count += in.Count
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, in)
		}
	}
	return out
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// mergeMaps shallow-merges with incoming values winning per key.
func mergeMaps(local, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(incoming))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func mergeHiddenUntil(local, incoming map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(local)+len(incoming))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func mergeFireLogs(local, incoming map[string][]int64) map[string][]int64 {
	out := make(map[string][]int64, len(local)+len(incoming))
	for k, v := range local {
		out[k] = append([]int64(nil), v...)
	}
	for k, v := range incoming {
		if _, ok := out[k]; ok {
			out[k] = append(out[k], v...)
		} else {
			out[k] = append([]int64(nil), v...)
		}
	}
	return out
}

// sanitizeRandomBucket clamps the incoming bucket value into range,
// regenerating it when missing or unusable. Applied on every sync.
func sanitizeRandomBucket(props map[string]any) {
	if props == nil {
		return
	}
	if raw, ok := props[randomBucketKey]; ok {
		switch n := raw.(type) {
		case float64:
			if n >= 0 && n < randomBucketSize {
				return
			}
		case int:
			if n >= 0 && n < randomBucketSize {
				return
			}
		}
	}
	props[randomBucketKey] = rand.Intn(randomBucketSize)
}
