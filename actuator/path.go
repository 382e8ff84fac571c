package actuator

import (
	"math"
	"math/rand"
	"time"
)

type point struct {
	x, y int
}

func distance(a, b point) float64 {
	dx := float64(b.x - a.x)
	dy := float64(b.y - a.y)
	return math.Hypot(dx, dy)
}

// travelSteps sizes a cursor path by distance: enough points to look
// continuous, capped so long moves stay quick.
func travelSteps(from, to point) int {
	steps := int(distance(from, to) / 20)
	if steps < 8 {
		steps = 8
	}
	if steps > 40 {
		steps = 40
	}
	return steps
}

// dragSteps sizes a drag path. Too few steps makes the OS treat the
// gesture as a flick and cancel the drop.
func dragSteps(x1, y1, x2, y2 int) int {
	steps := int(distance(point{x1, y1}, point{x2, y2}) / 3)
	if steps < 30 {
		steps = 30
	}
	return steps
}

// straightPath interpolates linearly between from and to, excluding the
// start point and including the end point.
func straightPath(from, to point, steps int) []point {
	if steps < 1 {
		steps = 1
	}
	path := make([]point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		path = append(path, point{
			x: from.x + int(math.Round(t*float64(to.x-from.x))),
			y: from.y + int(math.Round(t*float64(to.y-from.y))),
		})
	}
	return path
}

// bezierPath samples a cubic Bézier curve from from to to with randomized
// control points perpendicular to the travel direction, so repeated moves
// between the same points take visibly different arcs.
func bezierPath(from, to point, steps int) []point {
	if steps < 1 {
		steps = 1
	}

	dist := distance(from, to)
	if dist < 2 {
		return []point{to}
	}

	// Perpendicular unit vector to the travel direction.
	px := -float64(to.y-from.y) / dist
	py := float64(to.x-from.x) / dist

	// Control points sit at one and two thirds of the way, offset sideways
	// by up to a fifth of the travel distance.
	spread := dist / 5
	o1 := (rand.Float64()*2 - 1) * spread
	o2 := (rand.Float64()*2 - 1) * spread

	c1x := float64(from.x) + float64(to.x-from.x)/3 + px*o1
	c1y := float64(from.y) + float64(to.y-from.y)/3 + py*o1
	c2x := float64(from.x) + 2*float64(to.x-from.x)/3 + px*o2
	c2y := float64(from.y) + 2*float64(to.y-from.y)/3 + py*o2

	path := make([]point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		u := 1 - t
		x := u*u*u*float64(from.x) + 3*u*u*t*c1x + 3*u*t*t*c2x + t*t*t*float64(to.x)
		y := u*u*u*float64(from.y) + 3*u*u*t*c1y + 3*u*t*t*c2y + t*t*t*float64(to.y)
		path = append(path, point{int(math.Round(x)), int(math.Round(y))})
	}
	path[len(path)-1] = to
	return path
}

// stepDelay returns a randomized per-step pause for human-like travel.
func stepDelay() time.Duration {
	return time.Duration(1+rand.Intn(4)) * time.Millisecond
}
