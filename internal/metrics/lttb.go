// Copyright 2026 The Runicorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import "math"

// Point is one sample of a numeric series.
type Point struct {
	X float64
	Y float64
}

// Downsample reduces a series to at most target points using
// Largest-Triangle-Three-Buckets. Both endpoints are kept whenever target
// allows. target <= 0 or target >= len(points) returns the series unchanged.
// target == 1 keeps the last point, target == 2 the two endpoints.
func Downsample(points []Point, target int) []Point {
	n := len(points)
	if target <= 0 || target >= n {
		return points
	}
	switch {
	case n == 0:
		return nil
	case target == 1:
		return []Point{points[n-1]}
	case target == 2:
		return []Point{points[0], points[n-1]}
	}

	sampled := make([]Point, 0, target)
	sampled = append(sampled, points[0])

	// target-2 interior buckets between the fixed endpoints.
	bucketSize := float64(n-2) / float64(target-2)
	prev := 0

	for i := 0; i < target-2; i++ {
		start := int(math.Floor(float64(i)*bucketSize)) + 1
		end := int(math.Floor(float64(i+1)*bucketSize)) + 1
		if end >= n-1 {
			end = n - 1
		}

		// Average of the next bucket forms the third triangle vertex.
		nextStart := end
		nextEnd := int(math.Floor(float64(i+2)*bucketSize)) + 1
		if nextEnd > n-1 {
			nextEnd = n - 1
		}
		if nextStart >= nextEnd {
			nextStart = nextEnd - 1
		}
		var avgX, avgY float64
		for j := nextStart; j < nextEnd; j++ {
			avgX += points[j].X
			avgY += points[j].Y
		}
		cnt := float64(nextEnd - nextStart)
		avgX /= cnt
		avgY /= cnt

		a := points[prev]
		best := start
		bestArea := -1.0
		for j := start; j < end; j++ {
			area := math.Abs((a.X-avgX)*(points[j].Y-a.Y)-(a.X-points[j].X)*(avgY-a.Y)) / 2
			if area > bestArea {
				bestArea = area
				best = j
			}
		}
		sampled = append(sampled, points[best])
		prev = best
	}

	sampled = append(sampled, points[n-1])
	return sampled
}
