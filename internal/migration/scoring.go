/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package migration

import (
	"math/rand"

	"github.com/krotik/common/sortutil"
)

// Policy selects the scoring formula (spec.md §4.6).
type Policy int

const (
	CLDG Policy = iota
	LDG
)

/*
Score computes destination scores for every candidate shard other than
self:

	CLDG: score[j] = msg_count[j] * (1 - node_count[j]/CAPACITY)
	LDG:  score[j] = (#neighbors on shard j) * (1 - node_count[j]/CAPACITY)

signal supplies msg_count (CLDG) or neighbor-count (LDG) per shard,
depending on policy.
*/
func Score(policy Policy, self uint64, signal map[uint64]int, nodeCount func(uint64) uint64, capacity uint64, numShards uint32) map[uint64]float64 {
	scores := make(map[uint64]float64)

	for j := uint64(0); j < uint64(numShards); j++ {
		if j == self {
			continue
		}

		load := 1.0
		if capacity > 0 {
			load = 1.0 - float64(nodeCount(j))/float64(capacity)
		}

		scores[j] = float64(signal[j]) * load
	}

	return scores
}

/*
Pick chooses the argmax destination shard from a score map, breaking
ties by least load (nodeCount) and then uniformly at random (spec.md
§4.6). It returns (0, false) if there is no candidate other than self,
or if the argmax is self (a node is never migrated to itself).
*/
func Pick(scores map[uint64]float64, self uint64, nodeCount func(uint64) uint64, rng *rand.Rand) (uint64, bool) {
	if len(scores) == 0 {
		return 0, false
	}

	shards := make([]uint64, 0, len(scores))
	for s := range scores {
		shards = append(shards, s)
	}
	sortutil.UInt64s(shards)

	best := shards[0]
	for _, s := range shards[1:] {
		if scores[s] > scores[best] {
			best = s
		}
	}

	var tied []uint64
	for _, s := range shards {
		if scores[s] == scores[best] {
			tied = append(tied, s)
		}
	}

	if len(tied) > 1 {
		leastLoaded := tied[0]
		for _, s := range tied[1:] {
			if nodeCount(s) < nodeCount(leastLoaded) {
				leastLoaded = s
			}
		}

		var finalTie []uint64
		for _, s := range tied {
			if nodeCount(s) == nodeCount(leastLoaded) {
				finalTie = append(finalTie, s)
			}
		}

		if len(finalTie) > 1 {
			if rng == nil {
				rng = rand.New(rand.NewSource(1))
			}
			best = finalTie[rng.Intn(len(finalTie))]
		} else {
			best = finalTie[0]
		}
	} else {
		best = tied[0]
	}

	if best == self {
		return 0, false
	}

	return best, true
}
