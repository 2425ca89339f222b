package tables

// Accumulator collects the records of one table page by page. It is append
// only: records already handed out are never modified.
type Accumulator struct {
	records []Record
	pages   int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AddPage appends a page in server order.
func (a *Accumulator) AddPage(page []Record) {
	a.records = append(a.records, page...)
	a.pages++
}

// Records returns every record accumulated so far. The returned slice is
// capacity-clipped so appends by the caller cannot alias later pages.
func (a *Accumulator) Records() []Record {
	return a.records[:len(a.records):len(a.records)]
}

func (a *Accumulator) Len() int { return len(a.records) }

func (a *Accumulator) Pages() int { return a.pages }
