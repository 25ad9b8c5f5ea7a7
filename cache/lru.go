package cache

import "container/list"

// lruPolicy evicts the least-recently-touched key. Built on container/list
// rather than a hand-rolled doubly linked list: move-to-back on touch,
// evict the front.
type lruPolicy struct {
	order *list.List
	elems map[string]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{order: list.New(), elems: make(map[string]*list.Element)}
}

func (p *lruPolicy) add(key string) {
	if _, ok := p.elems[key]; ok {
		return
	}
	p.elems[key] = p.order.PushBack(key)
}

func (p *lruPolicy) touch(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.MoveToBack(e)
	}
}

func (p *lruPolicy) remove(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.Remove(e)
		delete(p.elems, key)
	}
}

func (p *lruPolicy) victim() string {
	if front := p.order.Front(); front != nil {
		return front.Value.(string)
	}
	return ""
}
