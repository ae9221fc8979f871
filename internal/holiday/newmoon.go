package holiday

import (
	"math"
	"time"
)

const (
	synodicMonth = 29.530588861
	jdUnixEpoch  = 2440587.5
	jdJ2000Moon  = 2451550.09766
)

// newMoonArgs holds the periodic terms of the true new moon correction as
// (coefficient, E power, M', M, F, Ω multipliers).
var newMoonArgs = []struct {
	coef           float64
	ePow           int
	mp, m, f, node float64
}{
	{-0.40720, 0, 1, 0, 0, 0},
	{0.17241, 1, 0, 1, 0, 0},
	{0.01608, 0, 2, 0, 0, 0},
	{0.01039, 0, 0, 0, 2, 0},
	{0.00739, 1, 1, -1, 0, 0},
	{-0.00514, 1, 1, 1, 0, 0},
	{0.00208, 2, 0, 2, 0, 0},
	{-0.00111, 0, 1, 0, -2, 0},
	{-0.00057, 0, 1, 0, 2, 0},
	{0.00056, 1, 2, 1, 0, 0},
	{-0.00042, 0, 3, 0, 0, 0},
	{0.00042, 1, 0, 1, 2, 0},
	{0.00038, 1, 0, 1, -2, 0},
	{-0.00024, 1, 2, -1, 0, 0},
	{-0.00017, 0, 0, 0, 0, 1},
	{-0.00007, 0, 1, 2, 0, 0},
	{0.00004, 0, 2, 0, -2, 0},
	{0.00004, 0, 0, 3, 0, 0},
	{0.00003, 0, 1, 1, -2, 0},
	{0.00003, 0, 2, 0, 2, 0},
	{-0.00003, 0, 1, 1, 2, 0},
	{0.00003, 0, 1, -1, 2, 0},
	{-0.00002, 0, 1, -1, -2, 0},
	{-0.00002, 0, 3, 1, 0, 0},
	{0.00002, 0, 4, 0, 0, 0},
}

// planetaryArgs are the additional corrections as (A0, A1, coefficient)
// with argument A0 + A1·k degrees.
var planetaryArgs = [][3]float64{
	{299.77, 0.107408, 0.000325},
	{251.88, 0.016321, 0.000165},
	{251.83, 26.651886, 0.000164},
	{349.42, 36.412478, 0.000126},
	{84.66, 18.206239, 0.000110},
	{141.74, 53.303771, 0.000062},
	{207.14, 2.453732, 0.000060},
	{154.84, 7.306860, 0.000056},
	{34.52, 27.261239, 0.000047},
	{207.19, 0.121824, 0.000042},
	{291.34, 1.844379, 0.000040},
	{161.72, 24.198154, 0.000037},
	{239.56, 25.513099, 0.000035},
	{331.55, 3.592518, 0.000023},
}

// newMoonJDE returns the Julian Ephemeris Day of lunation k, where k = 0 is
// the new moon of 2000-01-06. Accuracy is well under a minute for modern
// dates.
func newMoonJDE(k float64) float64 {
	t := k / 1236.85
	t2, t3, t4 := t*t, t*t*t, t*t*t*t

	jde := jdJ2000Moon + synodicMonth*k + 0.00015437*t2 - 0.000000150*t3 + 0.00000000073*t4

	e := 1 - 0.002516*t - 0.0000074*t2
	m := rad(2.5534 + 29.10535670*k - 0.0000014*t2 - 0.00000011*t3)
	mp := rad(201.5643 + 385.81693528*k + 0.0107582*t2 + 0.00001238*t3 - 0.000000058*t4)
	f := rad(160.7108 + 390.67050284*k - 0.0016118*t2 - 0.00000227*t3 + 0.000000011*t4)
	node := rad(124.7746 - 1.56375588*k + 0.0020672*t2 + 0.00000215*t3)

	for _, a := range newMoonArgs {
		term := a.coef * math.Sin(a.mp*mp+a.m*m+a.f*f+a.node*node)
		for i := 0; i < a.ePow; i++ {
			term *= e
		}
		jde += term
	}

	for i, a := range planetaryArgs {
		arg := a[0] + a[1]*k
		if i == 0 {
			arg -= 0.009173 * t2
		}
		jde += a[2] * math.Sin(rad(arg))
	}
	return jde
}

// newMoonNear returns the UTC instant of the new moon closest to t.
func newMoonNear(t time.Time) time.Time {
	jd := jdUnixEpoch + float64(t.Unix())/86400
	k := math.Round((jd - jdJ2000Moon) / synodicMonth)
	jde := newMoonJDE(k)

	secs := (jde-jdUnixEpoch)*86400 - deltaT(t.Year())
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC()
}

// deltaT approximates TT - UT in seconds (Espenak and Meeus polynomial for
// 2005..2050, used outside that range as well).
func deltaT(year int) float64 {
	u := float64(year) - 2000
	return 62.92 + 0.32217*u + 0.005589*u*u
}

func rad(deg float64) float64 {
	return deg * math.Pi / 180
}
