package sqlinline

// QEnqueueBatch debits the user's credits, creates the batch and inserts its
// PROCESSING variation placeholders in one statement, so a failure anywhere
// rolls back the debit too. Returns no rows when the balance cannot cover the
// cost.
const QEnqueueBatch = `--sql 46886d6e-404f-4bd7-85b5-0950bab2403c
with debit as (
    update users
    set credits = credits - $6::int, updated_at = now()
    where id = $1::uuid and credits >= $6::int
    returning credits
),
created as (
    insert into batches(
      id,
      user_id,
      status,
      operation_type,
      total_variations,
      original_base_image_id,
      prompt_json,
      created_at,
      updated_at
    )
    select
      gen_random_uuid(),
      $1::uuid,
      'PROCESSING',
      $2::text,
      $3::int,
      nullif($4::text, '')::uuid,
      $5::jsonb,
      now(),
      now()
    from debit
    returning id
),
placeholders as (
    insert into variations(
      id,
      batch_id,
      variation_number,
      status,
      created_at,
      updated_at
    )
    select
      gen_random_uuid(),
      created.id,
      n,
      'PROCESSING',
      now(),
      now()
    from created, generate_series(1, $3::int) as n
    returning id, variation_number
)
select
  created.id,
  debit.credits,
  array_agg(placeholders.id::text order by placeholders.variation_number)
from created, debit, placeholders
group by created.id, debit.credits;
`

const QSelectBatchForUser = `--sql 86de7300-60c5-4837-883b-68b8e80be885
select
  b.id,
  b.status,
  b.operation_type,
  b.total_variations,
  coalesce(b.original_base_image_id::text, ''),
  count(v.id) filter (where v.status = 'COMPLETED'),
  count(v.id) filter (where v.status = 'FAILED'),
  b.created_at,
  b.updated_at
from batches b
left join variations v on v.batch_id = b.id
where b.id = $1::uuid and b.user_id = $2::uuid
group by b.id
limit 1;
`

const QUpdateBatchStatus = `--sql 7080ac02-be97-4cb2-90c6-106a9b211734
update batches
set status = $2::text, updated_at = now()
where id = $1::uuid;
`

const QSelectBatchOwner = `--sql c30638cf-7530-49fc-bd31-4dc04fa1529d
select user_id, operation_type, coalesce(original_base_image_id::text, '')
from batches
where id = $1::uuid
limit 1;
`
