package pipeline

import (
	"fmt"
	"strings"
	"time"

	"issueindex/internal/domain"
	"issueindex/internal/usecase/scoring"
)

func contentHash(it domain.ScoredItem) string {
	return scoring.ContentHash(it.NodeID, it.Title, it.Body)
}

// FormatReport текст отчёта о цикле для операторов.
func FormatReport(rep CycleReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Цикл %s (%s), %s\n", rep.RunID, rep.Sink, rep.Duration.Round(time.Second))
	fmt.Fprintf(&b, "Репозитории: найдено %d, сохранено %d", len(rep.Discover.Sources), rep.SourcesSaved)
	if n := len(rep.Discover.FailedPartitions); n > 0 {
		fmt.Fprintf(&b, ", ошибки поиска: %s", strings.Join(rep.Discover.FailedPartitions, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Issues: принято %d, отклонено %d, некорректных %d\n",
		rep.Harvest.Accepted, rep.Harvest.Rejected, rep.Harvest.Invalid)
	if rep.Harvest.Abandoned > 0 {
		fmt.Fprintf(&b, "Пропущено репозиториев: %d\n", rep.Harvest.Abandoned)
	}
	switch rep.Sink {
	case SinkQueue:
		fmt.Fprintf(&b, "Очередь: опубликовано %d, ошибок %d, повторов пропущено %d\n",
			rep.Publish.Published, rep.Publish.Failed, rep.Publish.Skipped)
	case SinkStaging:
		fmt.Fprintf(&b, "Staging: добавлено %d\n", rep.Staged)
	default:
		fmt.Fprintf(&b, "БД: записано %d, отброшено %d, ошибок %d, без эмбеддинга %d\n",
			rep.Persist.Written, rep.Persist.Dropped, rep.Persist.Failed, rep.EmbedFailed)
	}
	return strings.TrimRight(b.String(), "\n")
}
