package btree

// Scan collects up to limit ids greater than start by following Next.
// A limit of zero or less means no limit.
func Scan(r Reader, start *Id, limit int) ([]Id, error) {
	var out []Id
	for {
		batch, err := Next(r, start)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return out, nil
		}
		if limit > 0 && len(out)+len(batch) >= limit {
			return append(out, batch[:limit-len(out)]...), nil
		}
		out = append(out, batch...)
		last := batch[len(batch)-1]
		start = &last
	}
}
