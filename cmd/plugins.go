package cmd

// Register the built-in raster format plugins.
import (
	_ "github.com/rastermill/rastermill/geotiff"
	_ "github.com/rastermill/rastermill/grib"
	_ "github.com/rastermill/rastermill/netcdf"
)
