// Package filters holds the scalar filter kernels of the feature bank.
//
// Every function maps one input plane (plus parameters) to new planes of the
// same dimensions; the input is never modified. Pixels outside the raster
// read as the nearest edge pixel (clamp-to-edge) unless stated otherwise.
package filters
