package colstore

import "sort"

// SearchFloat returns the index of the first element >= t in a column whose
// values are sorted ascending (a TIME column or a stat index column).
func SearchFloat(c *Column, t float64) (int64, error) {
	n := c.Length()
	var searchErr error
	i := sort.Search(int(n), func(i int) bool {
		v, err := c.ReadFloatAt(int64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return v >= t
	})
	return int64(i), searchErr
}
