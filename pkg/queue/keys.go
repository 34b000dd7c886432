package queue

import "fmt"

// Key space per (appname, queuename):
//   - AX:INC                      hash, field app:queue -> id counter
//   - AX:META:app:queue:<id>      hash of encoded task fields
//   - AX:UUID:app:queue           zset, member=uuid score=id
//   - AX:CNAME:app:queue:<cname>  string holding the id
//   - AX:SC:app:queue             zset of recurring task ids

// incrKey returns the counter hash key and the per-queue field within it.
func (tq *TaskQueue) incrKey() (string, string) {
	return "AX:INC", fmt.Sprintf("%s:%s", tq.appname, tq.queuename)
}

func (tq *TaskQueue) metaKey(id int64) string {
	return fmt.Sprintf("AX:META:%s:%s:%d", tq.appname, tq.queuename, id)
}

func (tq *TaskQueue) cnameKey(cname string) string {
	return fmt.Sprintf("AX:CNAME:%s:%s:%s", tq.appname, tq.queuename, cname)
}

func (tq *TaskQueue) uuidKey() string {
	return fmt.Sprintf("AX:UUID:%s:%s", tq.appname, tq.queuename)
}

func (tq *TaskQueue) schedKey() string {
	return fmt.Sprintf("AX:SC:%s:%s", tq.appname, tq.queuename)
}
