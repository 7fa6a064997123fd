package main

import (
	"math/rand"
	"time"
)

const (
	AsteroidMinDiameter = 50
	AsteroidMaxDiameter = 120
	AsteroidMaxSpeed    = 200 // max speed along either axis (px/s)
)

// Asteroid occupies one slot of the field. Position is advanced by the
// server loop only for bounds checks; clients dead-reckon from the spawn state.
type Asteroid struct {
	Index         int
	SpawnPosition Vector2
	Position      Vector2
	Rotation      float64
	Velocity      Vector2
	RotationSpeed float64 // rad/s
	Diameter      float64
	SpawnTime     time.Time
}

// NewEdgeAsteroid spawns an asteroid just outside one of the four edges of a
// w x h area, heading back across it
func NewEdgeAsteroid(rng *rand.Rand, index int, w, h float64, now time.Time) *Asteroid {
	a := &Asteroid{
		Index:         index,
		Rotation:      degToRad(float64(randInt(rng, 0, 360))),
		RotationSpeed: degToRad(float64(randInt(rng, 0, 360) - 180)),
		Diameter:      float64(randInt(rng, AsteroidMinDiameter, AsteroidMaxDiameter)),
		SpawnTime:     now,
	}

	iw, ih := int(w), int(h)
	r := a.Diameter / 2
	switch randInt(rng, 1, 4) {
	case 1: // top
		a.Position = Vector2{X: float64(randInt(rng, 0, iw)), Y: -r}
		a.Velocity = Vector2{
			X: float64(randInt(rng, 0, AsteroidMaxSpeed*2) - AsteroidMaxSpeed),
			Y: float64(randInt(rng, 0, AsteroidMaxSpeed)),
		}
	case 2: // right
		a.Position = Vector2{X: w + r, Y: float64(randInt(rng, 0, ih))}
		a.Velocity = Vector2{
			X: float64(randInt(rng, 0, AsteroidMaxSpeed) - AsteroidMaxSpeed),
			Y: float64(randInt(rng, 0, AsteroidMaxSpeed*2) - AsteroidMaxSpeed),
		}
	case 3: // bottom
		a.Position = Vector2{X: float64(randInt(rng, 0, iw)), Y: h + r}
		a.Velocity = Vector2{
			X: float64(randInt(rng, 0, AsteroidMaxSpeed*2) - AsteroidMaxSpeed),
			Y: float64(randInt(rng, 0, AsteroidMaxSpeed) - AsteroidMaxSpeed),
		}
	default: // left
		a.Position = Vector2{X: -r, Y: float64(randInt(rng, 0, ih))}
		a.Velocity = Vector2{
			X: float64(randInt(rng, 0, AsteroidMaxSpeed)),
			Y: float64(randInt(rng, 0, AsteroidMaxSpeed*2) - AsteroidMaxSpeed),
		}
	}
	a.SpawnPosition = a.Position
	return a
}

// NewInteriorAsteroid spawns an asteroid anywhere inside the area. Used only
// for the population created at round start.
func NewInteriorAsteroid(rng *rand.Rand, index int, w, h float64, now time.Time) *Asteroid {
	a := NewEdgeAsteroid(rng, index, w, h, now)
	a.Position = Vector2{
		X: float64(randInt(rng, 0, int(w))),
		Y: float64(randInt(rng, 0, int(h))),
	}
	a.SpawnPosition = a.Position
	return a
}

// Advance moves the asteroid dt seconds along its velocity
func (a *Asteroid) Advance(dt float64) {
	a.Position.AddInPlace(a.Velocity.Scale(dt))
}

// IsOutside reports whether the asteroid left the area by more than its diameter
func (a *Asteroid) IsOutside(w, h float64) bool {
	off := a.Diameter
	return a.Position.X < -off || a.Position.X > w+off ||
		a.Position.Y < -off || a.Position.Y > h+off
}

// ToData converts to protocol data; timeExisted is measured at now
func (a *Asteroid) ToData(now time.Time) AsteroidData {
	return AsteroidData{
		Index:         a.Index,
		SpawnX:        a.SpawnPosition.X,
		SpawnY:        a.SpawnPosition.Y,
		Rotation:      a.Rotation,
		Velocity:      a.Velocity,
		Diameter:      a.Diameter,
		RotationSpeed: a.RotationSpeed,
		TimeExisted:   msBetween(a.SpawnTime, now),
	}
}
