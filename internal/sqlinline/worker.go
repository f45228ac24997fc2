package sqlinline

// QWorkerClaimBatch picks the oldest unclaimed PROCESSING batch and stamps
// it so concurrent workers never double-claim.
const QWorkerClaimBatch = `--sql 3bd8ec50-022e-4038-a1da-15c336e5e060
with next_batch as (
    select id
    from batches
    where status = 'PROCESSING' and claimed_at is null
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update batches
    set claimed_at = now(), updated_at = now()
    where id in (select id from next_batch)
    returning id, user_id, operation_type, total_variations,
              coalesce(original_base_image_id::text, ''), prompt_json
)
select * from claimed;
`

const QWorkerSelectUserCredits = `--sql 5bc54b1a-3c49-44ec-bbfb-40dc527adc56
select credits from users where id = $1::uuid limit 1;
`

// QWorkerFinishBatch derives the terminal batch status from its variations.
const QWorkerFinishBatch = `--sql 10b7d8a6-b53b-4a06-adc1-13b7765784d3
update batches b
set status = sub.final_status, updated_at = now()
from (
    select
      case
        when count(*) filter (where status = 'COMPLETED') = count(*) then 'COMPLETED'
        when count(*) filter (where status = 'COMPLETED') = 0 then 'FAILED'
        else 'PARTIALLY_COMPLETED'
      end as final_status
    from variations
    where batch_id = $1::uuid
) sub
where b.id = $1::uuid
returning b.status;
`
